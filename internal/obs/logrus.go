package obs

import (
	"github.com/sirupsen/logrus"
)

// LogrusLogger bridges the Logger interface to a logrus logger.
// A nil L falls back to the logrus standard logger.
type LogrusLogger struct {
	L *logrus.Logger
}

func (l LogrusLogger) Logf(level Level, format string, args ...interface{}) {
	lg := l.L
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	switch level {
	case Debug:
		lg.Debugf(format, args...)
	case Info:
		lg.Infof(format, args...)
	case Warn:
		lg.Warnf(format, args...)
	default:
		lg.Errorf(format, args...)
	}
}
