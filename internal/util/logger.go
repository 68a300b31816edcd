package util

import (
	"log"
	"log/slog"
	"strings"
)

// SetupGlobalLogger routes the standard log package (used by pion's default
// logger factory and a few third party libraries) through slog.
func SetupGlobalLogger() {
	log.SetFlags(0)
	log.SetOutput(&logWriter{logger: GetLogger()})
}

type logWriter struct {
	logger *slog.Logger
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	w.logger.Debug(strings.TrimSuffix(string(p), "\n"), "source", "stdlog")
	return len(p), nil
}
