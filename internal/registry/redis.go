package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/howard-nolan/newsllm/internal/provider"
)

// Compile-time check.
var _ Registry = (*Redis)(nil)

// Both scripts refuse to touch a key that does not exist, so an update or
// increment racing a delete cannot resurrect a half-populated hash.
var (
	hsetIfExists = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

	incrIfExists = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
return redis.call('HINCRBY', KEYS[1], 'used_this_month', 1)
`)
)

// Redis is the registry backed by a Redis server. Each provider is a hash
// at {prefix}provider:{id}; {prefix}providers is a list of ids in insertion
// order.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedis creates a Redis registry using the given key prefix.
func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix, now: time.Now}
}

func (r *Redis) listKey() string { return r.prefix + "providers" }
func (r *Redis) hashKey(id string) string { return r.prefix + "provider:" + id }

func (r *Redis) ListActive(ctx context.Context) ([]*provider.Provider, error) {
	all, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	active := all[:0]
	for _, p := range all {
		if p.Active {
			active = append(active, p)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Priority < active[j].Priority
	})
	return active, nil
}

func (r *Redis) ListAll(ctx context.Context) ([]*provider.Provider, error) {
	ids, err := r.rdb.LRange(ctx, r.listKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list provider ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.hashKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}

	out := make([]*provider.Provider, 0, len(ids))
	for _, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		p, err := decodeProvider(h)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *Redis) Get(ctx context.Context, id string) (*provider.Provider, error) {
	h, err := r.rdb.HGetAll(ctx, r.hashKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get provider %s: %w", id, err)
	}
	if len(h) == 0 {
		return nil, ErrNotFound
	}
	return decodeProvider(h)
}

func (r *Redis) Add(ctx context.Context, in NewProvider) (string, error) {
	if err := in.validate(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.hashKey(id),
			"id", id,
			"name", in.Name,
			"kind", string(in.Kind),
			"api_key", in.APIKey,
			"base_url", in.BaseURL,
			"model", in.Model,
			"priority", in.Priority,
			"monthly_limit", in.MonthlyLimit,
			"used_this_month", 0,
			"active", boolInt(in.Active),
			"last_used_at", "",
			"created_at", r.now().UnixMilli(),
		)
		pipe.RPush(ctx, r.listKey(), id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("insert provider: %w", err)
	}
	return id, nil
}

func (r *Redis) Update(ctx context.Context, id string, u Update) error {
	if err := u.validate(); err != nil {
		return err
	}

	fields := u.fields()
	if len(fields) == 0 {
		_, err := r.Get(ctx, id)
		return err
	}

	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return r.hsetExisting(ctx, id, args...)
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.hashKey(id))
		pipe.LRem(ctx, r.listKey(), 0, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete provider %s: %w", id, err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Redis) IncrementUsedThisMonth(ctx context.Context, id string) error {
	n, err := incrIfExists.Run(ctx, r.rdb, []string{r.hashKey(id)}).Int64()
	if err != nil {
		return fmt.Errorf("increment usage %s: %w", id, err)
	}
	if n < 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Redis) TouchLastUsed(ctx context.Context, id string) error {
	return r.hsetExisting(ctx, id, "last_used_at", r.now().UnixMilli())
}

func (r *Redis) ResetMonthlyUsageAll(ctx context.Context) error {
	ids, err := r.rdb.LRange(ctx, r.listKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list provider ids: %w", err)
	}
	for _, id := range ids {
		err := r.hsetExisting(ctx, id, "used_this_month", 0)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("reset monthly usage: %w", err)
		}
	}
	return nil
}

func (r *Redis) hsetExisting(ctx context.Context, id string, args ...any) error {
	n, err := hsetIfExists.Run(ctx, r.rdb, []string{r.hashKey(id)}, args...).Int64()
	if err != nil {
		return fmt.Errorf("update provider %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func decodeProvider(h map[string]string) (*provider.Provider, error) {
	p := &provider.Provider{
		ID:      h["id"],
		Name:    h["name"],
		Kind:    provider.Kind(h["kind"]),
		APIKey:  h["api_key"],
		BaseURL: h["base_url"],
		Model:   h["model"],
		Active:  h["active"] == "1",
	}

	ints := []struct {
		field string
		dst   *int
	}{
		{"priority", &p.Priority},
		{"monthly_limit", &p.MonthlyLimit},
		{"used_this_month", &p.UsedThisMonth},
	}
	for _, f := range ints {
		v, err := strconv.Atoi(h[f.field])
		if err != nil {
			return nil, fmt.Errorf("provider %s: bad %s %q: %w", p.ID, f.field, h[f.field], err)
		}
		*f.dst = v
	}

	created, err := strconv.ParseInt(h["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("provider %s: bad created_at: %w", p.ID, err)
	}
	p.CreatedAt = time.UnixMilli(created).UTC()

	if s := h["last_used_at"]; s != "" {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("provider %s: bad last_used_at: %w", p.ID, err)
		}
		t := time.UnixMilli(ms).UTC()
		p.LastUsedAt = &t
	}
	return p, nil
}
