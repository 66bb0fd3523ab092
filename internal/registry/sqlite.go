package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/howard-nolan/newsllm/internal/provider"
	"github.com/howard-nolan/newsllm/internal/store"
)

// Compile-time check.
var _ Registry = (*SQLite)(nil)

// SQLite is the registry backed by the shared SQLite database.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite creates a SQLite registry. Migrations must have been applied.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db, now: time.Now}
}

// Migrations returns the schema for the providers table.
func Migrations() []store.Migration {
	return []store.Migration{
		{
			Version:     1,
			Description: "create providers table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE providers (
						id              TEXT    PRIMARY KEY,
						name            TEXT    NOT NULL,
						kind            TEXT    NOT NULL,
						api_key         TEXT    NOT NULL DEFAULT '',
						base_url        TEXT    NOT NULL DEFAULT '',
						model           TEXT    NOT NULL,
						priority        INTEGER NOT NULL DEFAULT 0,
						monthly_limit   INTEGER NOT NULL DEFAULT 0,
						used_this_month INTEGER NOT NULL DEFAULT 0,
						active          INTEGER NOT NULL DEFAULT 1,
						last_used_at    INTEGER,
						created_at      INTEGER NOT NULL
					)
				`)
				if err != nil {
					return err
				}
				_, err = tx.Exec("CREATE INDEX idx_providers_active_priority ON providers(active, priority)")
				return err
			},
		},
	}
}

const providerColumns = `id, name, kind, api_key, base_url, model, priority,
	monthly_limit, used_this_month, active, last_used_at, created_at`

func (r *SQLite) ListActive(ctx context.Context) ([]*provider.Provider, error) {
	return r.list(ctx, "SELECT "+providerColumns+" FROM providers WHERE active = 1 ORDER BY priority ASC, rowid ASC")
}

func (r *SQLite) ListAll(ctx context.Context) ([]*provider.Provider, error) {
	return r.list(ctx, "SELECT "+providerColumns+" FROM providers ORDER BY rowid ASC")
}

func (r *SQLite) Get(ctx context.Context, id string) (*provider.Provider, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+providerColumns+" FROM providers WHERE id = ?", id)
	p, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get provider %s: %w", id, err)
	}
	return p, nil
}

func (r *SQLite) Add(ctx context.Context, in NewProvider) (string, error) {
	if err := in.validate(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO providers (id, name, kind, api_key, base_url, model, priority,
			monthly_limit, used_this_month, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		id, in.Name, string(in.Kind), in.APIKey, in.BaseURL, in.Model, in.Priority,
		in.MonthlyLimit, boolInt(in.Active), r.now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("insert provider: %w", err)
	}
	return id, nil
}

func (r *SQLite) Update(ctx context.Context, id string, u Update) error {
	if err := u.validate(); err != nil {
		return err
	}

	fields := u.fields()
	if len(fields) == 0 {
		// Nothing to change, but an unknown id is still an error.
		_, err := r.Get(ctx, id)
		return err
	}

	cols := make([]string, 0, len(fields))
	for c := range fields {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		sets[i] = c + " = ?"
		args = append(args, fields[c])
	}
	args = append(args, id)

	res, err := r.db.ExecContext(ctx,
		"UPDATE providers SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update provider %s: %w", id, err)
	}
	return requireAffected(res)
}

func (r *SQLite) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM providers WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete provider %s: %w", id, err)
	}
	return requireAffected(res)
}

func (r *SQLite) IncrementUsedThisMonth(ctx context.Context, id string) error {
	return incrementUsed(ctx, r.db, id)
}

// IncrementUsedThisMonthTx is IncrementUsedThisMonth inside a caller-owned
// transaction, so the bump commits or rolls back with the usage row.
func (r *SQLite) IncrementUsedThisMonthTx(ctx context.Context, tx *sql.Tx, id string) error {
	return incrementUsed(ctx, tx, id)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func incrementUsed(ctx context.Context, db execer, id string) error {
	res, err := db.ExecContext(ctx,
		"UPDATE providers SET used_this_month = used_this_month + 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("increment usage %s: %w", id, err)
	}
	return requireAffected(res)
}

func (r *SQLite) TouchLastUsed(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE providers SET last_used_at = ? WHERE id = ?", r.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("touch provider %s: %w", id, err)
	}
	return requireAffected(res)
}

func (r *SQLite) ResetMonthlyUsageAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, "UPDATE providers SET used_this_month = 0"); err != nil {
		return fmt.Errorf("reset monthly usage: %w", err)
	}
	return nil
}

func (r *SQLite) list(ctx context.Context, query string) ([]*provider.Provider, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var out []*provider.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProvider(s scanner) (*provider.Provider, error) {
	var (
		p        provider.Provider
		kind     string
		active   int
		lastUsed sql.NullInt64
		created  int64
	)
	err := s.Scan(&p.ID, &p.Name, &kind, &p.APIKey, &p.BaseURL, &p.Model, &p.Priority,
		&p.MonthlyLimit, &p.UsedThisMonth, &active, &lastUsed, &created)
	if err != nil {
		return nil, err
	}

	p.Kind = provider.Kind(kind)
	p.Active = active != 0
	p.CreatedAt = time.UnixMilli(created).UTC()
	if lastUsed.Valid {
		t := time.UnixMilli(lastUsed.Int64).UTC()
		p.LastUsedAt = &t
	}
	return &p, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
