package monitoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"vodum/internal/models"
)

func TestDiff(t *testing.T) {
	tests := []struct {
		name     string
		old      map[string]string
		current  map[string]string
		expected []Change
	}{
		{"nothing", nil, nil, nil},
		{
			"start",
			map[string]string{},
			map[string]string{"a": "playing"},
			[]Change{{"a", models.EventStart}},
		},
		{
			"stop",
			map[string]string{"a": "playing", "b": "paused"},
			map[string]string{},
			[]Change{{"a", models.EventStop}, {"b", models.EventStop}},
		},
		{
			"pause",
			map[string]string{"a": "playing"},
			map[string]string{"a": "Paused"},
			[]Change{{"a", models.EventPause}},
		},
		{
			"resume",
			map[string]string{"a": "paused"},
			map[string]string{"a": "playing"},
			[]Change{{"a", models.EventResume}},
		},
		{
			"state change",
			map[string]string{"a": "playing", "b": ""},
			map[string]string{"a": "buffering", "b": "unknown"},
			[]Change{{"a", models.EventStateChange}},
		},
		{
			"mixed",
			map[string]string{"a": "playing", "c": "playing"},
			map[string]string{"a": "playing", "b": "playing"},
			[]Change{{"b", models.EventStart}, {"c", models.EventStop}},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, Diff(test.old, test.current))
		})
	}
}
