package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

var skippedCallers = []string{"sirupsen/logrus", "bookflow/logger."}

// callerHook points entry.Caller at the first frame outside logrus and
// this package, so wrapped Entry calls report the real call site.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 24)
	n := runtime.Callers(6, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !internalFrame(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func internalFrame(fn string) bool {
	for _, s := range skippedCallers {
		if strings.Contains(fn, s) {
			return true
		}
	}
	return false
}
