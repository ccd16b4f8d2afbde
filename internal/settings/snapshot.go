package settings

import (
	"strconv"
	"strings"
)

// Snapshot is a point-in-time copy of every stored setting.
type Snapshot struct {
	values map[string]string
}

// NewSnapshot copies values.
func NewSnapshot(values map[string]string) Snapshot {
	cp := make(map[string]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return Snapshot{values: cp}
}

// Raw returns the stored string and whether the key exists.
func (s Snapshot) Raw(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

func (s Snapshot) String(key, def string) string {
	if v, ok := s.values[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// Int parses key as an integer. ok is false when the key is missing or not
// numeric, in which case def is returned.
func (s Snapshot) Int(key string, def int) (n int, ok bool) {
	v, found := s.values[key]
	if !found {
		return def, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def, false
	}
	return n, true
}

func (s Snapshot) Bool(key string, def bool) bool {
	v, found := s.values[key]
	if !found {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

// Map returns a copy of the underlying values.
func (s Snapshot) Map() map[string]string {
	return NewSnapshot(s.values).values
}

func (s Snapshot) Len() int { return len(s.values) }
