package negotiation

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// loggerFactory bridges pion's leveled logging into zerolog so ICE/DTLS
// internals land in the same structured stream as the call engine.
type loggerFactory struct {
	log zerolog.Logger
}

func newLoggerFactory(log zerolog.Logger) logging.LoggerFactory {
	return &loggerFactory{log: log}
}

func (f *loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{log: f.log.With().Str("pion", scope).Logger()}
}

type leveledLogger struct {
	log zerolog.Logger
}

func (l *leveledLogger) Trace(msg string)                  { l.log.Trace().Msg(msg) }
func (l *leveledLogger) Tracef(format string, args ...any) { l.log.Trace().Msgf(format, args...) }
func (l *leveledLogger) Debug(msg string)                  { l.log.Debug().Msg(msg) }
func (l *leveledLogger) Debugf(format string, args ...any) { l.log.Debug().Msgf(format, args...) }
func (l *leveledLogger) Info(msg string)                   { l.log.Debug().Msg(msg) }
func (l *leveledLogger) Infof(format string, args ...any)  { l.log.Debug().Msgf(format, args...) }
func (l *leveledLogger) Warn(msg string)                   { l.log.Warn().Msg(msg) }
func (l *leveledLogger) Warnf(format string, args ...any)  { l.log.Warn().Msgf(format, args...) }
func (l *leveledLogger) Error(msg string)                  { l.log.Error().Msg(msg) }
func (l *leveledLogger) Errorf(format string, args ...any) { l.log.Error().Msgf(format, args...) }
