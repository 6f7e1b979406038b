package logging_test

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"vodum/internal/logging"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		contains string
		absent   string
	}{
		{
			name:     "plex token in url",
			input:    "GET http://plex:32400/status/sessions?X-Plex-Token=abcdef123456",
			contains: "X-Plex-Token=***",
			absent:   "abcdef123456",
		},
		{
			name:     "json token",
			input:    `{"token":"s3cr3tvalue"}`,
			contains: `"token":"***"`,
			absent:   "s3cr3tvalue",
		},
		{
			name:     "discord bot header",
			input:    "Authorization: Bot MTIzNDU2Nzg5.abcdefgh",
			contains: "Bot ***",
			absent:   "MTIzNDU2Nzg5",
		},
		{
			name:     "email local part",
			input:    "sending reminder to john.doe@example.com",
			contains: "***@example.com",
			absent:   "john.doe",
		},
		{
			name:     "nothing to hide",
			input:    "task cleanup_logs finished",
			contains: "task cleanup_logs finished",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := logging.Redact(tt.input)
			assert.Contains(t, out, tt.contains)
			if tt.absent != "" {
				assert.NotContains(t, out, tt.absent)
			}
		})
	}
}

func TestRedactor_DebugMode(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(logging.NewRedactor(&buf))

	logging.SetDebug(false)
	logger.Info().Str("url", "http://x/?X-Plex-Token=topsecret99").Msg("request")
	assert.NotContains(t, buf.String(), "topsecret99")

	buf.Reset()
	logging.SetDebug(true)
	defer logging.SetDebug(false)
	logger.Info().Str("url", "http://x/?X-Plex-Token=topsecret99").Msg("request")
	assert.Contains(t, buf.String(), "topsecret99")
}

func TestRedactor_SettingsDebugMode(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(logging.NewRedactor(&buf))

	logging.SetDebug(false)
	logging.SetDebugMode(true)
	defer logging.SetDebugMode(false)
	assert.True(t, logging.Debug())
	logger.Info().Str("url", "http://x/?X-Plex-Token=topsecret99").Msg("request")
	assert.Contains(t, buf.String(), "topsecret99")

	buf.Reset()
	logging.SetDebugMode(false)
	logger.Info().Str("url", "http://x/?X-Plex-Token=topsecret99").Msg("request")
	assert.NotContains(t, buf.String(), "topsecret99")
}
