// Package registry is the durable store of provider configurations and
// their monthly quota counters.
//
// Two implementations are provided: SQLite (the default, sharing the
// database with the usage ledger) and Redis. Both update used_this_month
// with the engine's native atomic increment, never read-modify-write, so
// concurrent processes dispatching against the same provider cannot lose
// an increment.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/howard-nolan/newsllm/internal/provider"
)

var (
	// ErrNotFound is returned for operations on an unknown provider id.
	ErrNotFound = errors.New("provider not found")

	// ErrInvalidProvider is returned when add/update input fails validation.
	ErrInvalidProvider = errors.New("invalid provider")
)

// Registry is the provider store. ListActive is the only view the
// dispatcher uses; implementations must read through to storage on every
// call so administrator edits are visible to the next completion.
type Registry interface {
	// ListActive returns active providers ordered by ascending priority.
	// Ties keep registry insertion order.
	ListActive(ctx context.Context) ([]*provider.Provider, error)

	// ListAll returns every provider, active or not, in insertion order.
	ListAll(ctx context.Context) ([]*provider.Provider, error)

	Get(ctx context.Context, id string) (*provider.Provider, error)
	Add(ctx context.Context, in NewProvider) (string, error)
	Update(ctx context.Context, id string, u Update) error
	Delete(ctx context.Context, id string) error

	// IncrementUsedThisMonth atomically adds one to the provider's counter.
	IncrementUsedThisMonth(ctx context.Context, id string) error
	TouchLastUsed(ctx context.Context, id string) error

	// ResetMonthlyUsageAll zeroes every counter. Meant to be triggered once
	// per calendar month by an external scheduler.
	ResetMonthlyUsageAll(ctx context.Context) error
}

// NewProvider holds the administrator-supplied fields for Add. The usage
// counter always starts at zero.
type NewProvider struct {
	Name         string
	Kind         provider.Kind
	APIKey       string
	BaseURL      string
	Model        string
	Priority     int
	MonthlyLimit int
	Active       bool
}

func (n *NewProvider) validate() error {
	n.Name = strings.TrimSpace(n.Name)
	n.Model = strings.TrimSpace(n.Model)
	switch {
	case n.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidProvider)
	case n.Model == "":
		return fmt.Errorf("%w: model is required", ErrInvalidProvider)
	case !n.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidProvider, n.Kind)
	case n.MonthlyLimit < 0:
		return fmt.Errorf("%w: monthly limit must be >= 0", ErrInvalidProvider)
	}
	return nil
}

// Update is a partial edit; nil fields are left unchanged. It deliberately
// has no UsedThisMonth or CreatedAt field: the counter is owned by
// IncrementUsedThisMonth / ResetMonthlyUsageAll.
type Update struct {
	Name         *string
	Kind         *provider.Kind
	APIKey       *string
	BaseURL      *string
	Model        *string
	Priority     *int
	MonthlyLimit *int
	Active       *bool
}

func (u *Update) validate() error {
	if u.Name != nil && strings.TrimSpace(*u.Name) == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidProvider)
	}
	if u.Model != nil && strings.TrimSpace(*u.Model) == "" {
		return fmt.Errorf("%w: model cannot be empty", ErrInvalidProvider)
	}
	if u.Kind != nil && !u.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidProvider, *u.Kind)
	}
	if u.MonthlyLimit != nil && *u.MonthlyLimit < 0 {
		return fmt.Errorf("%w: monthly limit must be >= 0", ErrInvalidProvider)
	}
	return nil
}

// fields flattens the non-nil fields into column/value pairs shared by both
// implementations.
func (u *Update) fields() map[string]any {
	f := make(map[string]any)
	if u.Name != nil {
		f["name"] = strings.TrimSpace(*u.Name)
	}
	if u.Kind != nil {
		f["kind"] = string(*u.Kind)
	}
	if u.APIKey != nil {
		f["api_key"] = *u.APIKey
	}
	if u.BaseURL != nil {
		f["base_url"] = *u.BaseURL
	}
	if u.Model != nil {
		f["model"] = strings.TrimSpace(*u.Model)
	}
	if u.Priority != nil {
		f["priority"] = *u.Priority
	}
	if u.MonthlyLimit != nil {
		f["monthly_limit"] = *u.MonthlyLimit
	}
	if u.Active != nil {
		f["active"] = boolInt(*u.Active)
	}
	return f
}

// Seed adds the given providers only when the registry is empty, so config
// seeds never overwrite edits made through the admin surface.
func Seed(ctx context.Context, r Registry, seeds []NewProvider) (int, error) {
	existing, err := r.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing providers: %w", err)
	}
	if len(existing) > 0 {
		return 0, nil
	}

	for i, s := range seeds {
		if _, err := r.Add(ctx, s); err != nil {
			return i, fmt.Errorf("seeding provider %q: %w", s.Name, err)
		}
	}
	return len(seeds), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
