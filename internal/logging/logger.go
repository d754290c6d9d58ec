// Package logging is the structured logger shared by every veda package.
// Lines go to an io.Writer as `level=… msg=… key="value"` and are kept in a
// Journal so the console can show recent warnings.
package logging

import (
	"io"
	"log"
	"sync/atomic"
	"time"
)

type Logger struct {
	journal *Journal
	out     *log.Logger
	level   *atomic.Pointer[Level]
	fields  map[string]string
}

// NewLogger writes entries at or above minLevel to output and keeps the
// newest DefaultJournalSize of them in memory. A nil output writes nothing.
func NewLogger(minLevel Level, output io.Writer) *Logger {
	return NewLoggerWithJournal(NewJournal(DefaultJournalSize), minLevel, output)
}

func NewLoggerWithJournal(journal *Journal, minLevel Level, output io.Writer) *Logger {
	if output == nil {
		output = io.Discard
	}
	l := &Logger{
		journal: journal,
		out:     log.New(output, "", log.LstdFlags),
		level:   &atomic.Pointer[Level]{},
	}
	l.SetLevel(minLevel)
	return l
}

// Discard is the fallback for components constructed without a logger.
func Discard() *Logger {
	return NewLoggerWithJournal(NewJournal(64), LevelInfo, nil)
}

func (l *Logger) Journal() *Journal {
	if l == nil {
		return nil
	}
	return l.journal
}

// SetLevel applies to l and to every logger derived from it.
func (l *Logger) SetLevel(level Level) {
	if l == nil {
		return
	}
	if !level.valid() {
		level = LevelInfo
	}
	l.level.Store(&level)
}

func (l *Logger) Level() Level {
	if l == nil {
		return LevelInfo
	}
	return *l.level.Load()
}

func (l *Logger) Enabled(level Level) bool {
	return l != nil && level.AtLeast(l.Level())
}

func (l *Logger) With(fields map[string]string) *Logger {
	if l == nil {
		return nil
	}
	derived := *l
	derived.fields = mergeFields(l.fields, fields)
	return &derived
}

func (l *Logger) WithInstance(instanceID string) *Logger {
	if instanceID == "" {
		return l
	}
	return l.With(map[string]string{FieldInstanceID: instanceID})
}

func (l *Logger) Debug(message string, fields map[string]string) {
	l.log(LevelDebug, message, fields)
}

func (l *Logger) Info(message string, fields map[string]string) {
	l.log(LevelInfo, message, fields)
}

func (l *Logger) Warn(message string, fields map[string]string) {
	l.log(LevelWarning, message, fields)
}

func (l *Logger) Error(message string, fields map[string]string) {
	l.log(LevelError, message, fields)
}

func (l *Logger) log(level Level, message string, fields map[string]string) {
	if !l.Enabled(level) {
		return
	}
	entry := Entry{
		Time:    time.Now().UTC(),
		Level:   level,
		Message: message,
		Fields:  mergeFields(l.fields, fields),
	}
	l.journal.Record(entry)
	l.out.Print(entry.String())
}
