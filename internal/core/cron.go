package core

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// cronLogger routes the cron runtime's own logging onto slog.
type cronLogger struct {
	logger *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}

// newTickTimer arms a repeating timer that calls job every interval. A tick
// that is still running when the next one fires is skipped, so at most one
// tick is ever in flight.
func newTickTimer(interval time.Duration, location *time.Location, logger *slog.Logger, job func()) *cron.Cron {
	l := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLocation(location),
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
	c.Schedule(cron.Every(interval), cron.FuncJob(job))
	c.Start()
	return c
}
