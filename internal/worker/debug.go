package worker

import (
	"log/slog"
	"os"
	"strings"
)

var workerDebugEnabled = strings.EqualFold(os.Getenv("MEDIBOT_WORKER_DEBUG"), "1")

func debugLog(msg string, args ...any) {
	if workerDebugEnabled {
		slog.Info(msg, append([]any{"component", "worker"}, args...)...)
	}
}
