// Package ledger is the append-only usage log. Every successful completion
// writes exactly one row; rows are never updated or deleted here.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/howard-nolan/newsllm/internal/store"
)

// DefaultCostPerToken is the flat USD-per-token heuristic applied to every
// backend. It is an accounting estimate, not a billing figure.
const DefaultCostPerToken = 0.0000005

// Entry is what the dispatcher hands to Record after a successful call.
type Entry struct {
	ProviderID   string `json:"provider_id"`
	ProviderName string `json:"provider_name"`
	Category     string `json:"category"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	LatencyMs    int64  `json:"latency_ms"`
}

// Record is one stored ledger row.
type Record struct {
	ID int64 `json:"id"`
	Entry
	EstimatedCost float64   `json:"estimated_cost"`
	CreatedAt     time.Time `json:"created_at"`
}

// Totals are summed counters over a set of rows.
type Totals struct {
	Calls         int64   `json:"calls"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// TotalTokens is input plus output.
func (t Totals) TotalTokens() int64 {
	return t.InputTokens + t.OutputTokens
}

// ProviderTotals are Totals grouped by provider.
type ProviderTotals struct {
	ProviderID   string `json:"provider_id"`
	ProviderName string `json:"provider_name"`
	Totals
}

// CategoryTotals are Totals grouped by logical category.
type CategoryTotals struct {
	Category string `json:"category"`
	Totals
}

// TxCounter bumps a provider's monthly counter inside a transaction. The
// SQLite provider registry implements it.
type TxCounter interface {
	IncrementUsedThisMonthTx(ctx context.Context, tx *sql.Tx, id string) error
}

// Ledger writes and aggregates usage rows in SQLite.
type Ledger struct {
	db           *sql.DB
	costPerToken float64
	counter      TxCounter
	now          func() time.Time
}

// New creates a Ledger. A non-positive costPerToken selects
// DefaultCostPerToken.
func New(db *sql.DB, costPerToken float64) *Ledger {
	if costPerToken <= 0 {
		costPerToken = DefaultCostPerToken
	}
	return &Ledger{db: db, costPerToken: costPerToken, now: time.Now}
}

// Migrations returns the schema for the usage table.
//
// provider_id carries no foreign key: the registry may live in Redis, and
// deleting a provider must not rewrite history. provider_name is stored so
// reports stay readable after a delete.
func Migrations() []store.Migration {
	return []store.Migration{
		{
			Version:     1,
			Description: "create usage table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE usage (
						id             INTEGER PRIMARY KEY AUTOINCREMENT,
						provider_id    TEXT    NOT NULL,
						provider_name  TEXT    NOT NULL DEFAULT '',
						category       TEXT    NOT NULL DEFAULT '',
						input_tokens   INTEGER NOT NULL,
						output_tokens  INTEGER NOT NULL,
						latency_ms     INTEGER NOT NULL,
						estimated_cost REAL    NOT NULL,
						created_at     INTEGER NOT NULL
					)
				`)
				if err != nil {
					return err
				}
				_, err = tx.Exec("CREATE INDEX idx_usage_created_at ON usage(created_at)")
				return err
			},
		},
	}
}

// EstimateCost applies the flat per-token rate to a token count.
func (l *Ledger) EstimateCost(tokens int64) float64 {
	return float64(tokens) * l.costPerToken
}

// CountWith attaches the registry whose counters live in the same database.
// From then on RecordAndIncrement writes the row and bumps the counter in
// one transaction.
func (l *Ledger) CountWith(c TxCounter) {
	l.counter = c
}

// Record appends one immutable row, computing the estimated cost.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	return l.insert(ctx, l.db, e)
}

// RecordAndIncrement records e and, when a counter is attached, bumps the
// provider's monthly counter in the same transaction: either both land or
// neither does. The bool reports whether the counter was bumped; without a
// counter only the row is written and the caller owns the increment.
func (l *Ledger) RecordAndIncrement(ctx context.Context, e Entry) (bool, error) {
	if l.counter == nil {
		return false, l.Record(ctx, e)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin usage transaction: %w", err)
	}
	defer tx.Rollback()

	if err := l.insert(ctx, tx, e); err != nil {
		return false, err
	}
	if err := l.counter.IncrementUsedThisMonthTx(ctx, tx, e.ProviderID); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit usage for %s: %w", e.ProviderID, err)
	}
	return true, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (l *Ledger) insert(ctx context.Context, db execer, e Entry) error {
	cost := l.EstimateCost(int64(e.InputTokens) + int64(e.OutputTokens))
	_, err := db.ExecContext(ctx, `
		INSERT INTO usage (provider_id, provider_name, category, input_tokens,
			output_tokens, latency_ms, estimated_cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ProviderID, e.ProviderName, e.Category, e.InputTokens,
		e.OutputTokens, e.LatencyMs, cost, l.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record usage for %s: %w", e.ProviderID, err)
	}
	return nil
}

// Summary returns totals per provider for rows created at or after since,
// busiest provider first.
func (l *Ledger) Summary(ctx context.Context, since time.Time) ([]ProviderTotals, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT provider_id, MAX(provider_name), COUNT(*),
			SUM(input_tokens), SUM(output_tokens), SUM(estimated_cost)
		FROM usage
		WHERE created_at >= ?
		GROUP BY provider_id
		ORDER BY COUNT(*) DESC, provider_id ASC`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("usage summary: %w", err)
	}
	defer rows.Close()

	var out []ProviderTotals
	for rows.Next() {
		var pt ProviderTotals
		if err := rows.Scan(&pt.ProviderID, &pt.ProviderName, &pt.Calls,
			&pt.InputTokens, &pt.OutputTokens, &pt.EstimatedCost); err != nil {
			return nil, fmt.Errorf("scan usage summary: %w", err)
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

// SummaryByCategory returns totals per logical category since the given time.
func (l *Ledger) SummaryByCategory(ctx context.Context, since time.Time) ([]CategoryTotals, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT category, COUNT(*),
			SUM(input_tokens), SUM(output_tokens), SUM(estimated_cost)
		FROM usage
		WHERE created_at >= ?
		GROUP BY category
		ORDER BY COUNT(*) DESC, category ASC`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("category summary: %w", err)
	}
	defer rows.Close()

	var out []CategoryTotals
	for rows.Next() {
		var ct CategoryTotals
		if err := rows.Scan(&ct.Category, &ct.Calls,
			&ct.InputTokens, &ct.OutputTokens, &ct.EstimatedCost); err != nil {
			return nil, fmt.Errorf("scan category summary: %w", err)
		}
		out = append(out, ct)
	}
	return out, rows.Err()
}

// Total sums every row since the given time into one Totals value.
func (l *Ledger) Total(ctx context.Context, since time.Time) (Totals, error) {
	return l.TotalBetween(ctx, since, time.Time{})
}

// TotalBetween sums the rows created in [since, until). A zero until leaves
// the range open-ended.
func (l *Ledger) TotalBetween(ctx context.Context, since, until time.Time) (Totals, error) {
	untilMs := int64(math.MaxInt64)
	if !until.IsZero() {
		untilMs = until.UnixMilli()
	}

	var t Totals
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0), COALESCE(SUM(estimated_cost), 0)
		FROM usage
		WHERE created_at >= ? AND created_at < ?`,
		since.UnixMilli(), untilMs,
	).Scan(&t.Calls, &t.InputTokens, &t.OutputTokens, &t.EstimatedCost)
	if err != nil {
		return Totals{}, fmt.Errorf("usage total: %w", err)
	}
	return t, nil
}

// Recent returns up to limit rows, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, provider_id, provider_name, category, input_tokens,
			output_tokens, latency_ms, estimated_cost, created_at
		FROM usage
		ORDER BY id DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent usage: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r       Record
			created int64
		)
		if err := rows.Scan(&r.ID, &r.ProviderID, &r.ProviderName, &r.Category,
			&r.InputTokens, &r.OutputTokens, &r.LatencyMs, &r.EstimatedCost, &created); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		r.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
