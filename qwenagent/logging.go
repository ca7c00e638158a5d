package qwenagent

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// scopedLogger wraps a logrus.Entry so every log line carries a "scope"
// field identifying the component that emitted it (control plane, process
// channel, orchestrator, ...), mirroring the named-child-logger pattern the
// original SDK's logger module uses.
type scopedLogger struct {
	entry *logrus.Entry
}

var (
	baseLoggerMu sync.Mutex
	baseLogger   = newBaseLogger()
)

func newBaseLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// configureLogging applies an Options.Debug setting to the package-wide
// base logger. Debug mode surfaces every wire frame and control-plane
// transition at Debug level; otherwise only warnings and errors are
// emitted.
func configureLogging(debug bool) {
	baseLoggerMu.Lock()
	defer baseLoggerMu.Unlock()
	if debug {
		baseLogger.SetLevel(logrus.DebugLevel)
	} else {
		baseLogger.SetLevel(logrus.WarnLevel)
	}
}

// newScopedLogger returns a logger tagged with the given component name.
func newScopedLogger(scope string) *scopedLogger {
	baseLoggerMu.Lock()
	l := baseLogger
	baseLoggerMu.Unlock()
	return &scopedLogger{entry: l.WithField("scope", scope)}
}

func (s *scopedLogger) child(suffix string) *scopedLogger {
	scope, _ := s.entry.Data["scope"].(string)
	if scope != "" {
		suffix = scope + "." + suffix
	}
	return &scopedLogger{entry: s.entry.WithField("scope", suffix)}
}

func (s *scopedLogger) withSession(sessionID string) *scopedLogger {
	if sessionID == "" {
		return s
	}
	return &scopedLogger{entry: s.entry.WithField("session_id", sessionID)}
}

func (s *scopedLogger) Debugf(format string, args ...any) { s.entry.Debugf(format, args...) }
func (s *scopedLogger) Infof(format string, args ...any)  { s.entry.Infof(format, args...) }
func (s *scopedLogger) Warnf(format string, args ...any)  { s.entry.Warnf(format, args...) }
func (s *scopedLogger) Errorf(format string, args ...any) { s.entry.Errorf(format, args...) }
