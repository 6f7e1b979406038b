package monitoring

import (
	"sort"
	"strings"

	"vodum/internal/models"
)

// Change is one event produced by comparing two snapshots of a server's sessions.
type Change struct {
	SessionKey string
	Event      models.EventType
}

func normalizeState(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "unknown"
	}
	return s
}

// transition returns the event for a session present in both snapshots, if its state moved.
func transition(prev, cur string) (models.EventType, bool) {
	prev, cur = normalizeState(prev), normalizeState(cur)
	switch {
	case prev == cur:
		return "", false
	case cur == "paused":
		return models.EventPause, true
	case prev == "paused" && cur == "playing":
		return models.EventResume, true
	default:
		return models.EventStateChange, true
	}
}

// Diff compares the states of the previous and current sessions, both keyed by session key.
// Changes for current sessions come first, then stops, each group ordered by key.
func Diff(old, current map[string]string) []Change {
	var changes []Change

	for _, key := range sortedKeys(current) {
		prev, existed := old[key]
		if !existed {
			changes = append(changes, Change{SessionKey: key, Event: models.EventStart})
			continue
		}
		if ev, ok := transition(prev, current[key]); ok {
			changes = append(changes, Change{SessionKey: key, Event: ev})
		}
	}

	for _, key := range sortedKeys(old) {
		if _, still := current[key]; !still {
			changes = append(changes, Change{SessionKey: key, Event: models.EventStop})
		}
	}
	return changes
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
