package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
	"vodum/internal/config"
)

// Setup configures the global zerolog logger: a console writer and a rotating text file, both
// behind the secret redactor. The returned closer flushes the file.
func Setup(conf *config.Config) (io.Closer, error) {
	level, err := zerolog.ParseLevel(conf.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	SetDebug(conf.Debug)

	writers := []io.Writer{
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime},
	}

	var closer io.Closer = nopCloser{}
	if conf.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(conf.Logging.File), 0o755); err != nil {
			return nil, err
		}
		file := &lumberjack.Logger{
			Filename:   conf.Logging.File,
			MaxSize:    conf.Logging.MaxSizeMB,
			MaxBackups: conf.Logging.MaxBackups,
		}
		writers = append(writers, file)
		closer = file
	}

	log.Logger = zerolog.New(NewRedactor(zerolog.MultiLevelWriter(writers...))).
		With().
		Timestamp().
		Logger()

	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
