package scene

import (
	"context"
	"log/slog"
	"time"

	"github.com/homespace/homespace/pkg/clock"
	"github.com/homespace/homespace/pkg/log"
	"github.com/homespace/homespace/pkg/storage"
	"github.com/homespace/homespace/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Scheduler runs time-triggered scenes. Each tick it scans every home's
// scenes and executes those whose HH:MM matches the current local time.
type Scheduler struct {
	store    storage.Store
	executor *Executor
	clock    clock.Clock
	interval time.Duration

	// fired dedupes by minute so a scene runs at most once per matching
	// minute even when the tick interval is shorter than one minute
	fired map[string]string
}

// ConfiguredScheduler sets up the scheduler and registers its interval flag.
func ConfiguredScheduler(store storage.Store, executor *Executor, clk clock.Clock) *Scheduler {
	interval := lflag.Duration("scene-tick", time.Minute, "How often to scan for time-triggered scenes")
	s := NewScheduler(store, executor, clk)
	lflag.Do(func() {
		s.interval = *interval
	})
	return s
}

// NewScheduler returns a scheduler with the default one-minute tick.
func NewScheduler(store storage.Store, executor *Executor, clk clock.Clock) *Scheduler {
	return &Scheduler{
		store:    store,
		executor: executor,
		clock:    clk,
		interval: time.Minute,
		fired:    make(map[string]string),
	}
}

// Run ticks until ctx is canceled. Scan failures are logged and retried on
// the next tick; they never stop the scheduler.
func (s *Scheduler) Run(ctx context.Context) {
	log.Ctx(ctx).InfoContext(ctx, "scene scheduler started",
		slog.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).InfoContext(ctx, "scene scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scan. Exported so tests and the seeder can drive the
// scheduler without real time.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock.Now()
	hhmm := now.Format("15:04")
	minute := now.Format("2006-01-02 15:04")

	homes, err := s.store.ListHomes(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "scheduler failed to list homes", slog.Any("err", err))
		return
	}
	for _, home := range homes {
		scenes, err := s.store.ListScenes(ctx, home.ID)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "scheduler failed to list scenes",
				slog.String("homeID", home.ID), slog.Any("err", err))
			continue
		}
		for _, sc := range scenes {
			if sc.Trigger != types.SceneTriggerTime || sc.Time != hhmm {
				continue
			}
			key := home.ID + "/" + sc.ID
			if s.fired[key] == minute {
				continue
			}
			s.fired[key] = minute
			if _, err := s.executor.Execute(ctx, home.ID, sc.ID); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "scheduled scene failed",
					slog.String("homeID", home.ID), slog.String("sceneID", sc.ID), slog.Any("err", err))
			}
		}
	}
}
