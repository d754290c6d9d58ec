package logging

import "strings"

type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

var levelRanks = map[Level]int{
	LevelDebug:   0,
	LevelInfo:    1,
	LevelWarning: 2,
	LevelError:   3,
}

// ParseLevel accepts the level names used in config files and VEDA_LOG_LEVEL.
func ParseLevel(value string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warning", "warn":
		return LevelWarning, true
	case "error":
		return LevelError, true
	}
	return "", false
}

// AtLeast reports whether l is as severe as min. An empty min admits everything.
func (l Level) AtLeast(min Level) bool {
	if min == "" {
		return true
	}
	return l.rank() >= min.rank()
}

func (l Level) rank() int {
	if rank, ok := levelRanks[l]; ok {
		return rank
	}
	return levelRanks[LevelInfo]
}

func (l Level) valid() bool {
	_, ok := levelRanks[l]
	return ok
}
