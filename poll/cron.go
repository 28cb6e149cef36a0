package poll

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("Cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("Cron: "+msg, append(keysAndValues, "error", err)...)
}

// Run ticks every interval until ctx is cancelled, then waits for a running
// tick to finish.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	logger := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger)),
	)

	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		s.Tick(ctx)
	}); err != nil {
		return fmt.Errorf("schedule poll: %w", err)
	}

	s.logger.Info("Poll scheduler started", "interval", interval.String(), "workers", s.workers)
	c.Start()

	// First poll right away.
	var wg sync.WaitGroup
	wg.Go(func() { s.Tick(ctx) })

	<-ctx.Done()
	s.logger.Info("Stopping poll scheduler")
	<-c.Stop().Done()
	wg.Wait()
	return nil
}
