// Package logging builds the process logger: human-readable text on stderr
// fanned out to JSON lines in a size-rotated file.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/natefinch/lumberjack"
	slogmulti "github.com/samber/slog-multi"
)

// Rotation limits for the JSON log file
const (
	MaxFileSizeMB = 50
	MaxBackups    = 5
	MaxAgeDays    = 14
)

// Setup creates the dual-output logger. An empty logFile means stderr only.
// The returned cleanup closes the file sink.
func Setup(logFile string, level slog.Level) (*slog.Logger, func() error) {
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})

	if logFile == "" {
		return slog.New(stderrHandler), func() error { return nil }
	}

	sink := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    MaxFileSizeMB,
		MaxBackups: MaxBackups,
		MaxAge:     MaxAgeDays,
	}

	fileHandler := slog.NewJSONHandler(sink, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(slogmulti.Fanout(stderrHandler, fileHandler))
	return logger, sink.Close
}

// SetupWithWriters creates the same fan-out over caller supplied writers
func SetupWithWriters(text, json io.Writer, level slog.Level) *slog.Logger {
	textHandler := slog.NewTextHandler(text, &slog.HandlerOptions{Level: level})
	jsonHandler := slog.NewJSONHandler(json, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(textHandler, jsonHandler))
}

// Discard returns a logger that drops everything, for tests and defaults
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDiscard returns l, or a discarding logger when l is nil
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}
