package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"opsqueue/internal/domain"
)

// Mode names the backend currently acting as the source of truth.
type Mode string

const (
	ModeRemote Mode = "remote"
	ModeLocal  Mode = "local"
)

// RetryPolicy bounds retries of transient remote write failures.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: 100 * time.Millisecond, MaxDelay: time.Second}
}

// Adapter loads and persists the aggregate state across the remote store
// and the local blob.
type Adapter struct {
	// Remote is nil when no remote store is configured.
	Remote *RemoteStore
	Local  LocalStore
	// Timeout bounds each remote call; zero means 8s.
	Timeout time.Duration
	Retry   RetryPolicy
	// Strict makes remote persist failures visible to the caller.
	Strict bool
	Clock  clock.Clock
	Logger *zap.Logger
}

func (a *Adapter) timeout() time.Duration {
	if a.Timeout > 0 {
		return a.Timeout
	}
	return 8 * time.Second
}

func (a *Adapter) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

func (a *Adapter) clock() clock.Clock {
	if a.Clock == nil {
		return clock.WallClock
	}
	return a.Clock
}

// Load returns the persisted state and the mode it was read from. Remote
// read failures of any kind fall back to the local blob; only unexpected
// failures are logged.
func (a *Adapter) Load(ctx context.Context) (domain.State, Mode, error) {
	if a.Remote != nil {
		state, err := a.loadRemote(ctx)
		if err == nil {
			return state, ModeRemote, nil
		}
		if ctx.Err() != nil {
			return domain.State{}, ModeLocal, ctx.Err()
		}
		if errors.Is(err, ErrNotProvisioned) {
			a.logger().Info("remote store not provisioned, using local state")
		} else {
			a.logger().Warn("remote load failed, using local state", zap.Error(err))
		}
	}
	state, found, err := a.Local.Load()
	if err != nil {
		a.logger().Warn("local state unreadable, using defaults", zap.String("path", a.Local.Path()), zap.Error(err))
		return domain.NewState(), ModeLocal, nil
	}
	if !found {
		a.logger().Debug("no local state, using defaults", zap.String("path", a.Local.Path()))
	}
	return state, ModeLocal, nil
}

func (a *Adapter) loadRemote(ctx context.Context) (domain.State, error) {
	if err := a.call(ctx, a.Remote.CheckSchema); err != nil {
		return domain.State{}, err
	}
	var (
		settings domain.Settings
		pros     map[string]domain.Professional
		queue    []domain.QueueItem
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.call(gctx, func(ctx context.Context) (err error) {
			settings, err = a.Remote.LoadSettings(ctx)
			return err
		})
	})
	g.Go(func() error {
		return a.call(gctx, func(ctx context.Context) (err error) {
			pros, err = a.Remote.ListProfessionals(ctx)
			return err
		})
	})
	g.Go(func() error {
		return a.call(gctx, func(ctx context.Context) (err error) {
			queue, err = a.Remote.ListQueue(ctx)
			return err
		})
	})
	if err := g.Wait(); err != nil {
		return domain.State{}, err
	}
	return domain.State{Professionals: pros, Queue: queue, Settings: settings}, nil
}

// call runs fn under the per-call timeout. A driver error caused by the
// deadline is reported as context.DeadlineExceeded.
func (a *Adapter) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout())
	defer cancel()
	err := fn(ctx)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return err
}

// Persist writes state to the local blob and, in remote mode, mirrors it
// to the remote tables. Remote failures are logged; they are returned as
// *PersistError only when Strict is set. A local write failure is always
// returned.
func (a *Adapter) Persist(ctx context.Context, state domain.State, mode Mode) error {
	if err := a.Local.Save(state); err != nil {
		return err
	}
	if mode != ModeRemote || a.Remote == nil {
		return nil
	}
	if err := a.persistRemote(ctx, state); err != nil {
		a.logger().Warn("remote persist failed", zap.Error(err))
		if a.Strict || ctx.Err() != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) persistRemote(ctx context.Context, state domain.State) error {
	pros := make([]domain.Professional, 0, len(state.Professionals))
	for _, p := range state.Professionals {
		pros = append(pros, p)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.write(gctx, "settings", func(ctx context.Context) error {
			return a.Remote.UpsertSettings(ctx, state.Settings)
		})
	})
	g.Go(func() error {
		return a.write(gctx, "professionals", func(ctx context.Context) error {
			return a.Remote.UpsertProfessionals(ctx, pros)
		})
	})
	g.Go(func() error {
		return a.write(gctx, "queue", func(ctx context.Context) error {
			return a.Remote.UpsertQueue(ctx, state.Queue)
		})
	})
	if err := g.Wait(); err != nil {
		return err
	}

	// Sweep only after every upsert landed, so a partial write never
	// deletes rows the state still references.
	if err := a.write(ctx, "sweep professionals", func(ctx context.Context) error {
		ids, err := a.Remote.ProfessionalIDs(ctx)
		if err != nil {
			return err
		}
		return a.Remote.DeleteProfessionals(ctx, stale(ids, func(id string) bool {
			_, ok := state.Professionals[id]
			return ok
		}))
	}); err != nil {
		return err
	}
	return a.write(ctx, "sweep queue", func(ctx context.Context) error {
		ids, err := a.Remote.QueueIDs(ctx)
		if err != nil {
			return err
		}
		return a.Remote.DeleteQueue(ctx, stale(ids, func(id string) bool {
			return state.FindQueueItem(id) >= 0
		}))
	})
}

// write retries fn on transient failures and wraps the final error.
func (a *Adapter) write(ctx context.Context, stage string, fn func(context.Context) error) error {
	policy := a.Retry
	if policy.Attempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return a.call(ctx, fn)
		},
		IsFatalError: func(err error) bool {
			return ShouldDegrade(err) || ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			a.logger().Debug("remote write attempt failed",
				zap.String("stage", stage), zap.Int("attempt", attempt), zap.Error(err))
		},
		Attempts:    policy.Attempts,
		Delay:       policy.Delay,
		MaxDelay:    policy.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       a.clock(),
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		if last := retry.LastError(err); last != nil {
			err = last
		}
	}
	return &PersistError{Stage: stage, Err: err}
}

func stale(ids []string, keep func(string) bool) []string {
	var out []string
	for _, id := range ids {
		if !keep(id) {
			out = append(out, id)
		}
	}
	return out
}
