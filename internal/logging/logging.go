// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

const maxFileSizeMB = 10

// Setup parses level, installs the global logger and returns it. With a
// non-empty dir, records are also written to rotated files:
//
//	info.log   INFO only
//	error.log  WARN and above
//	debug.log  everything enabled by level
func Setup(level, dir string) (zerolog.Logger, error) {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05"}
	writers := []io.Writer{&LevelFilter{Writer: console, Min: zerolog.InfoLevel, Max: zerolog.PanicLevel}}

	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return zerolog.Logger{}, err
		}
		writers = append(writers,
			&LevelFilter{Writer: rotated(dir, "info.log", 5), Min: zerolog.InfoLevel, Max: zerolog.InfoLevel},
			&LevelFilter{Writer: rotated(dir, "error.log", 5), Min: zerolog.WarnLevel, Max: zerolog.PanicLevel},
			&LevelFilter{Writer: rotated(dir, "debug.log", 3), Min: zerolog.TraceLevel, Max: zerolog.PanicLevel},
		)
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(lvl).
		With().
		Timestamp().
		Logger()
	log.Logger = logger
	zerolog.DefaultContextLogger = &logger
	return logger, nil
}

func rotated(dir, name string, backups int) io.Writer {
	return &lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    maxFileSizeMB,
		MaxBackups: backups,
	}
}

// LevelFilter forwards only records whose level is within [Min, Max].
type LevelFilter struct {
	Writer io.Writer
	Min    zerolog.Level
	Max    zerolog.Level
}

func (f *LevelFilter) Write(p []byte) (int, error) {
	return f.Writer.Write(p)
}

func (f *LevelFilter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < f.Min || level > f.Max {
		return len(p), nil
	}
	return f.Writer.Write(p)
}

// Component returns a child of the global logger tagged with the component
// name.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
