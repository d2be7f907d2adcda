package log

import (
	"github.com/robfig/cron/v3"
)

// CronLogger adapts a Logger to cron.Logger. Scheduler chatter (wake, run,
// schedule) goes to debug; job panics and errors keep their level.
func CronLogger(l *Logger) cron.Logger {
	return cronLogger{l: l.WithComponent(ComponentScheduler)}
}

type cronLogger struct {
	l *Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, FieldError, err)...)
}
