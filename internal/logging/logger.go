package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// InvocationLog is a single hook-invocation log entry, written as one
// JSON line per invocation to the configured JSONL file in addition to
// the console. It is the human-tailable counterpart to the durable
// HookInvocation rows in the Store.
type InvocationLog struct {
	Timestamp       time.Time `json:"timestamp"`
	InvocationID    string    `json:"invocation_id"`
	OrchestrationID string    `json:"orchestration_id"`
	TraceID         string    `json:"trace_id,omitempty"`
	SpanID          string    `json:"span_id,omitempty"`
	Plugin          string    `json:"plugin"`
	HookName        string    `json:"hook_name"`
	Directory       string    `json:"directory"`
	DurationMs      int64     `json:"duration_ms"`
	ExitCode        int       `json:"exit_code"`
	Success         bool      `json:"success"`
	Cached          bool      `json:"cached,omitempty"`
	Deferred        bool      `json:"deferred,omitempty"`
	Error           string    `json:"error,omitempty"`
	StdoutBytes     int64     `json:"stdout_bytes,omitempty"`
	StderrBytes     int64     `json:"stderr_bytes,omitempty"`
}

// Logger handles the JSONL hook-invocation log, mirrored to the
// console. It is distinct from the operational logger returned by
// Op(), the same way the teacher splits per-request logs from
// daemon-lifecycle logs.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default invocation logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the JSONL log output file, replacing any prior file.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console mirroring of invocation logs.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes an invocation log entry to the console and JSONL file.
func (l *Logger) Log(entry *InvocationLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		cached := ""
		if entry.Cached {
			cached = " [cached]"
		}
		deferred := ""
		if entry.Deferred {
			deferred = " [deferred]"
		}
		fmt.Printf("[hook] %s %s/%s %s %dms%s%s\n",
			status, entry.Plugin, entry.HookName, entry.InvocationID, entry.DurationMs, cached, deferred)
		if entry.Error != "" {
			fmt.Printf("[hook]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the JSONL log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
