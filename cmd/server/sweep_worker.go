package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"zscanner-backend/internal/upload"
)

type blobSweeper interface {
	Sweep(ctx context.Context) (upload.SweepResult, error)
	MaxAge() time.Duration
}

type sessionForgetter interface {
	Forget(cutoff time.Time) int
}

type sweepScheduler interface {
	AddFunc(spec string, cmd func()) (cron.EntryID, error)
	Start()
	Stop() context.Context
}

// cronLogger routes robfig/cron's own logging into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

func newSweepCron(logger *slog.Logger) *cron.Cron {
	cl := cronLogger{logger: logger}
	return cron.New(
		cron.WithSeconds(),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
}

func startSweepWorker(ctx context.Context, logger *slog.Logger, sweeper blobSweeper, sessions sessionForgetter, schedule string) (func(), error) {
	return startSweepWorkerWithScheduler(ctx, logger, sweeper, sessions, schedule, newSweepCron(logger), time.Now)
}

// startSweepWorkerWithScheduler runs sweeper on schedule and afterwards drops
// the bookkeeping of sessions whose blobs are past the sweeper's max age. The
// returned stop function waits for a running sweep to finish.
func startSweepWorkerWithScheduler(
	ctx context.Context,
	logger *slog.Logger,
	sweeper blobSweeper,
	sessions sessionForgetter,
	schedule string,
	scheduler sweepScheduler,
	now func() time.Time,
) (func(), error) {
	if sweeper == nil {
		return func() {}, nil
	}
	workerCtx, cancel := context.WithCancel(ctx)
	_, err := scheduler.AddFunc(schedule, func() {
		result, err := sweeper.Sweep(workerCtx)
		if err != nil {
			logger.Error("upload sweep failed", "error", err)
			return
		}
		forgotten := 0
		if sessions != nil {
			forgotten = sessions.Forget(now().Add(-sweeper.MaxAge()))
		}
		logger.Debug("upload sweep finished",
			"scanned", result.Scanned,
			"removed", result.Removed,
			"failed", result.Failed,
			"sessions_forgotten", forgotten)
	})
	if err != nil {
		cancel()
		return nil, err
	}
	scheduler.Start()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-scheduler.Stop().Done()
		})
	}, nil
}
