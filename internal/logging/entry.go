package logging

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Field keys shared across packages so every line about one instance or
// session can be grepped together.
const (
	FieldInstanceID = "veda.instance_id"
	FieldSessionID  = "veda.session_id"
	FieldCategory   = "veda.category"
	FieldError      = "error"
)

type Entry struct {
	Time    time.Time
	Level   Level
	Message string
	Fields  map[string]string
}

// String renders `level=… msg="…" key="value"` with keys sorted.
func (e Entry) String() string {
	var b strings.Builder
	b.WriteString("level=")
	b.WriteString(string(e.Level))
	b.WriteString(" msg=")
	b.WriteString(strconv.Quote(e.Message))

	keys := make([]string, 0, len(e.Fields))
	for key := range e.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		b.WriteByte(' ')
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(e.Fields[key]))
	}
	return b.String()
}

func mergeFields(base, extra map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(extra))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range extra {
		if value != "" {
			merged[key] = value
		}
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}
