package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

var wrapperPrefixes = []string{
	"github.com/sirupsen/logrus.",
	"feedflow/logger.",
}

// callerHook points entry.Caller at the first frame outside logrus and the
// Log/Entry wrappers.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(6, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !isWrapperFrame(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func isWrapperFrame(fn string) bool {
	for _, p := range wrapperPrefixes {
		if strings.HasPrefix(fn, p) {
			return true
		}
	}
	return false
}

// componentHook feeds the per-component warning and error counts shown in
// the runtime report. Entries without a component are not counted.
type componentHook struct{}

func (h *componentHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

func (h *componentHook) Fire(entry *logrus.Entry) error {
	component, ok := entry.Data["component"].(string)
	if !ok || component == "" {
		return nil
	}
	if entry.Level == logrus.WarnLevel {
		recordWarn(component)
	} else {
		recordError(component)
	}
	return nil
}
