package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr   = ":8080"
	defaultTaskTimeout  = 30 * time.Second
	defaultHistoryLimit = 10000

	envListenAddr   = "CSOP_LISTEN_ADDR"
	envLogLevel     = "CSOP_LOG_LEVEL"
	envNumWorkers   = "CSOP_NUM_WORKERS"
	envTaskTimeout  = "CSOP_TASK_TIMEOUT_MS"
	envWorkerMode   = "CSOP_WORKER_MODE"
	envHistoryLimit = "CSOP_HISTORY_LIMIT"
)

// Worker modes select where execution contexts run.
const (
	WorkerModeLocal   = "local"
	WorkerModeProcess = "process"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	LogLevel   slog.Level

	// NumWorkers is the pool size; 0 means the host's parallelism.
	NumWorkers  int
	TaskTimeout time.Duration
	WorkerMode  string

	// HistoryLimit caps the number of task records kept in memory.
	HistoryLimit int
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed values are ignored in favour of the default.
func Load() Config {
	cfg := Config{
		ListenAddr:   defaultListenAddr,
		LogLevel:     slog.LevelInfo,
		TaskTimeout:  defaultTaskTimeout,
		WorkerMode:   WorkerModeLocal,
		HistoryLimit: defaultHistoryLimit,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if n, ok := parsePositive(os.Getenv(envNumWorkers)); ok {
		cfg.NumWorkers = n
	}
	if ms, ok := parsePositive(os.Getenv(envTaskTimeout)); ok {
		cfg.TaskTimeout = time.Duration(ms) * time.Millisecond
	}
	if v := ParseWorkerMode(os.Getenv(envWorkerMode)); v != "" {
		cfg.WorkerMode = v
	}
	if n, ok := parsePositive(os.Getenv(envHistoryLimit)); ok {
		cfg.HistoryLimit = n
	}

	return cfg
}

// ParseWorkerMode normalizes s to a known worker mode, or returns "".
func ParseWorkerMode(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case WorkerModeLocal:
		return WorkerModeLocal
	case WorkerModeProcess:
		return WorkerModeProcess
	default:
		return ""
	}
}

func parsePositive(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
