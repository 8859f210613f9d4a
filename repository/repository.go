// Package repository gives typed, cached read access to the battle ledger.
// Cached data is advisory: Refresh re-runs every recently issued query and
// a later-issued fetch always wins over an earlier one.
package repository

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/labstack/gommon/log"
	"github.com/tolelom/framebattles/core"
	"github.com/tolelom/framebattles/events"
	"github.com/tolelom/framebattles/ledger"
	"github.com/tolelom/framebattles/lifecycle"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTTL is how long a cached read is served without refetching.
	DefaultTTL = 15 * time.Second
	// DefaultRetain is how long an unused query is still re-run by Refresh.
	DefaultRetain = 5 * time.Minute

	maxParallelFetch = 8
)

// Options configures a Repository. Zero values select the defaults.
type Options struct {
	TTL     time.Duration
	Retain  time.Duration
	Emitter *events.Emitter // receives EventRefreshed; optional
	Clock   func() time.Time
}

// Repository is the client's read side over a ledger.Reader.
// It is safe for concurrent use.
type Repository struct {
	ledger  ledger.Reader
	ttl     time.Duration
	retain  time.Duration
	emitter *events.Emitter
	now     func() time.Time

	mu    sync.Mutex
	slots map[string]*slot
	sf    singleflight.Group
}

// New creates a Repository reading from l.
func New(l ledger.Reader, opts Options) *Repository {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Retain <= 0 {
		opts.Retain = DefaultRetain
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Repository{
		ledger:  l,
		ttl:     opts.TTL,
		retain:  opts.Retain,
		emitter: opts.Emitter,
		now:     opts.Clock,
		slots:   make(map[string]*slot),
	}
}

// Ledger returns the underlying reader.
func (r *Repository) Ledger() ledger.Reader { return r.ledger }

// ListBattles returns every battle in id order. An empty ledger yields an
// empty slice.
func (r *Repository) ListBattles(ctx context.Context) ([]*core.Battle, error) {
	const op = "listBattles"
	s := r.slot("battles", func(ctx context.Context) (any, error) {
		battles, err := r.ledger.AllBattles(ctx)
		if errors.Is(err, ledger.ErrNoData) {
			return []*core.Battle{}, nil
		}
		return battles, err
	}, mergeBattleList)
	v, err := s.load(ctx, r.now(), r.ttl, false)
	if err != nil {
		return nil, fetchError(op, err)
	}
	return cloneBattles(v.([]*core.Battle)), nil
}

// GetBattle returns one battle. Concurrent calls for the same id share a
// single ledger read.
func (r *Repository) GetBattle(ctx context.Context, id uint64) (*core.Battle, error) {
	const op = "getBattle"
	key := fmt.Sprintf("battle:%d", id)
	v, err, _ := r.sf.Do(key, func() (any, error) {
		s := r.slot(key, func(ctx context.Context) (any, error) {
			return r.ledger.Battle(ctx, id)
		}, mergeBattle)
		return s.load(ctx, r.now(), r.ttl, false)
	})
	if err != nil {
		if errors.Is(err, core.ErrNotFound) || errors.Is(err, ledger.ErrNoData) {
			return nil, core.NotFoundf(op, "battle %d does not exist", id)
		}
		return nil, fetchError(op, err)
	}
	return v.(*core.Battle).Clone(), nil
}

// Leaderboard returns at most limit entries in the ledger's rank order.
func (r *Repository) Leaderboard(ctx context.Context, limit uint64) ([]core.LeaderboardEntry, error) {
	const op = "getLeaderboard"
	if limit == 0 {
		return nil, core.Validationf(op, "limit must be positive")
	}
	s := r.slot(fmt.Sprintf("leaderboard:%d", limit), func(ctx context.Context) (any, error) {
		entries, err := r.ledger.Leaderboard(ctx, limit)
		if errors.Is(err, ledger.ErrNoData) {
			return []core.LeaderboardEntry{}, nil
		}
		if uint64(len(entries)) > limit {
			entries = entries[:limit]
		}
		return entries, err
	}, nil)
	v, err := s.load(ctx, r.now(), r.ttl, false)
	if err != nil {
		return nil, fetchError(op, err)
	}
	entries := v.([]core.LeaderboardEntry)
	out := make([]core.LeaderboardEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// UserStats returns the ledger counters for addr.
func (r *Repository) UserStats(ctx context.Context, addr common.Address) (*core.UserStats, error) {
	const op = "getUserStats"
	s := r.slot("stats:"+addr.Hex(), func(ctx context.Context) (any, error) {
		st, err := r.ledger.UserStats(ctx, addr)
		if errors.Is(err, ledger.ErrNoData) {
			return core.NewUserStats(), nil
		}
		return st, err
	}, nil)
	v, err := s.load(ctx, r.now(), r.ttl, false)
	if err != nil {
		return nil, fetchError(op, err)
	}
	st := *v.(*core.UserStats)
	return &st, nil
}

// UserBattles returns the battles addr created or accepted, newest first.
func (r *Repository) UserBattles(ctx context.Context, addr common.Address) ([]*core.Battle, error) {
	const op = "getUserBattles"
	s := r.slot("user:"+addr.Hex(), func(ctx context.Context) (any, error) {
		ids, err := r.ledger.UserBattles(ctx, addr)
		if errors.Is(err, ledger.ErrNoData) {
			return []uint64{}, nil
		}
		return ids, err
	}, nil)
	v, err := s.load(ctx, r.now(), r.ttl, false)
	if err != nil {
		return nil, fetchError(op, err)
	}
	ids := v.([]uint64)

	out := make([]*core.Battle, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelFetch)
	for i, id := range ids {
		g.Go(func() error {
			b, err := r.GetBattle(gctx, id)
			if err != nil {
				return err
			}
			out[len(ids)-1-i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// PlatformFee returns the ledger's current fee in basis points.
func (r *Repository) PlatformFee(ctx context.Context) (uint64, error) {
	s := r.slot("fee", func(ctx context.Context) (any, error) {
		return r.ledger.PlatformFee(ctx)
	}, nil)
	v, err := s.load(ctx, r.now(), r.ttl, false)
	if err != nil {
		return 0, fetchError("platformFee", err)
	}
	return v.(uint64), nil
}

// TotalPlatformFees returns the fees accrued by the contract.
func (r *Repository) TotalPlatformFees(ctx context.Context) (*big.Int, error) {
	s := r.slot("fees_total", func(ctx context.Context) (any, error) {
		return r.ledger.TotalPlatformFees(ctx)
	}, nil)
	v, err := s.load(ctx, r.now(), r.ttl, false)
	if err != nil {
		return nil, fetchError("totalPlatformFees", err)
	}
	return new(big.Int).Set(v.(*big.Int)), nil
}

// BattlesCount returns how many battle ids the contract has assigned.
func (r *Repository) BattlesCount(ctx context.Context) (uint64, error) {
	s := r.slot("count", func(ctx context.Context) (any, error) {
		return r.ledger.BattlesCount(ctx)
	}, nil)
	v, err := s.load(ctx, r.now(), r.ttl, false)
	if err != nil {
		return 0, fetchError("battlesCount", err)
	}
	return v.(uint64), nil
}

// Owner returns the contract owner.
func (r *Repository) Owner(ctx context.Context) (common.Address, error) {
	s := r.slot("owner", func(ctx context.Context) (any, error) {
		return r.ledger.Owner(ctx)
	}, nil)
	v, err := s.load(ctx, r.now(), r.ttl, false)
	if err != nil {
		return common.Address{}, fetchError("owner", err)
	}
	return v.(common.Address), nil
}

// Paused reports whether the contract currently rejects new activity.
func (r *Repository) Paused(ctx context.Context) (bool, error) {
	s := r.slot("paused", func(ctx context.Context) (any, error) {
		return r.ledger.Paused(ctx)
	}, nil)
	v, err := s.load(ctx, r.now(), r.ttl, false)
	if err != nil {
		return false, fetchError("paused", err)
	}
	return v.(bool), nil
}

// Refresh invalidates the cache and re-runs every query used within the
// retain window. A fetch issued here supersedes any fetch still in flight.
func (r *Repository) Refresh(ctx context.Context) error {
	now := r.now()
	cutoff := now.Add(-r.retain)

	r.mu.Lock()
	live := make([]*slot, 0, len(r.slots))
	for key, s := range r.slots {
		if !s.usedSince(cutoff) {
			delete(r.slots, key)
			continue
		}
		live = append(live, s)
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelFetch)
	for _, s := range live {
		s.invalidate()
		g.Go(func() error {
			_, err := s.load(gctx, now, r.ttl, true)
			if errors.Is(err, core.ErrNotFound) {
				return nil
			}
			return err
		})
	}
	err := g.Wait()
	if r.emitter != nil {
		r.emitter.Emit(events.Event{Type: events.EventRefreshed, Data: map[string]any{"queries": len(live)}})
	}
	if err != nil {
		return fetchError("refresh", err)
	}
	return nil
}

// RunRefresher calls Refresh every interval until ctx is done.
func (r *Repository) RunRefresher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	log.Infof("[repo] refresher start: interval=%s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
				log.Warnf("[repo] refresh: %v", err)
			}
		}
	}
}

func (r *Repository) slot(key string, fetch fetchFunc, merge mergeFunc) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[key]
	if !ok {
		s = newSlot(fetch, merge)
		r.slots[key] = s
	}
	return s
}

// mergeBattle keeps the cached battle when a read reports a status the
// battle cannot have moved back to, as a lagging node may.
func mergeBattle(old, fresh any) any {
	prev, ok := old.(*core.Battle)
	next := fresh.(*core.Battle)
	if !ok || prev == nil || lifecycle.Advances(prev.Status, next.Status) {
		return next
	}
	log.Warnf("[repo] battle %d: ignoring status regression %s -> %s", next.ID, prev.Status, next.Status)
	return prev
}

func mergeBattleList(old, fresh any) any {
	prev, _ := old.([]*core.Battle)
	next := fresh.([]*core.Battle)
	if len(prev) == 0 {
		return next
	}
	out := make([]*core.Battle, len(next))
	for i, b := range next {
		if i < len(prev) && prev[i].ID == b.ID {
			out[i] = mergeBattle(prev[i], b).(*core.Battle)
			continue
		}
		out[i] = b
	}
	return out
}

func cloneBattles(in []*core.Battle) []*core.Battle {
	out := make([]*core.Battle, len(in))
	for i, b := range in {
		out[i] = b.Clone()
	}
	return out
}

func fetchError(op string, err error) error {
	var e *core.Error
	if errors.As(err, &e) {
		return err
	}
	return core.Wrap(core.KindFetch, op, err)
}
