// Package log provides a category-tagged logger on top of logrus.
package log

import (
	"fmt"
	"io"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Logger writes logrus entries carrying a category (usually
// "Component:operation") and the milliseconds since the previous entry.
// A nil *Logger discards everything.
type Logger struct {
	Log *logrus.Logger

	filter *regexp.Regexp
	last   atomic.Int64
}

// New wraps out. Entries whose category does not match filter are dropped;
// a nil filter keeps every category.
func New(out *logrus.Logger, filter *regexp.Regexp) *Logger {
	return &Logger{Log: out, filter: filter}
}

// NewNullLogger returns a logger that discards everything.
func NewNullLogger() *Logger {
	out := logrus.New()
	out.SetOutput(io.Discard)
	return New(out, nil)
}

// NewText returns a text logger writing to w at level. An empty categories
// expression keeps every category.
func NewText(w io.Writer, level, categories string) (*Logger, error) {
	var filter *regexp.Regexp
	if categories != "" {
		re, err := regexp.Compile(categories)
		if err != nil {
			return nil, fmt.Errorf("invalid log category filter: %w", err)
		}
		filter = re
	}

	out := logrus.New()
	out.SetOutput(w)
	out.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: color.NoColor,
	})
	logger := New(out, filter)
	if err := logger.SetLevel(level); err != nil {
		return nil, err
	}
	return logger, nil
}

func (l *Logger) Tracef(category, msg string, args ...any) {
	l.Logf(logrus.TraceLevel, category, msg, args...)
}

func (l *Logger) Debugf(category, msg string, args ...any) {
	l.Logf(logrus.DebugLevel, category, msg, args...)
}

func (l *Logger) Infof(category, msg string, args ...any) {
	l.Logf(logrus.InfoLevel, category, msg, args...)
}

func (l *Logger) Warnf(category, msg string, args ...any) {
	l.Logf(logrus.WarnLevel, category, msg, args...)
}

func (l *Logger) Errorf(category, msg string, args ...any) {
	l.Logf(logrus.ErrorLevel, category, msg, args...)
}

// Logf writes msg at level under category.
func (l *Logger) Logf(level logrus.Level, category, msg string, args ...any) {
	if !l.enabled(level, category) {
		return
	}
	l.Log.WithFields(logrus.Fields{
		"category": category,
		"elapsed":  fmt.Sprintf("%d ms", l.sinceLast()),
	}).Logf(level, msg, args...)
}

func (l *Logger) enabled(level logrus.Level, category string) bool {
	if l == nil || l.Log == nil || !l.Log.IsLevelEnabled(level) {
		return false
	}
	return l.filter == nil || l.filter.MatchString(category)
}

// sinceLast is zero for the first entry.
func (l *Logger) sinceLast() int64 {
	now := time.Now().UnixMilli()
	prev := l.last.Swap(now)
	if prev == 0 {
		return 0
	}
	return now - prev
}

// SetLevel parses a level name such as "debug" and applies it.
func (l *Logger) SetLevel(level string) error {
	pl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	l.Log.SetLevel(pl)
	return nil
}

// DebugMode reports whether debug entries are written.
func (l *Logger) DebugMode() bool {
	return l.Log.IsLevelEnabled(logrus.DebugLevel)
}
