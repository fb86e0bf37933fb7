package booking

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

type Expirer interface {
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper periodically expires reservations whose hold window has passed, releasing their
// bikes.
type Sweeper struct {
	sched  gocron.Scheduler
	repo   Expirer
	logger *slog.Logger
	now    func() time.Time
}

func NewSweeper(repo Expirer, every time.Duration, logger *slog.Logger) (*Sweeper, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	s := &Sweeper{
		sched:  sched,
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}

	_, err = sched.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(s.Sweep),
		gocron.WithName("expire-reservations"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, err
	}
	return s, nil
}

// Sweep runs one pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	n, err := s.repo.ExpireDue(ctx, s.now())
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to expire reservations", "error", err)
		return
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "expired reservations", "released_bikes", n)
	}
}

func (s *Sweeper) Start() {
	s.sched.Start()
}

func (s *Sweeper) Shutdown() error {
	return s.sched.Shutdown()
}
