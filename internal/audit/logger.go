// Package audit writes the operator action trail: every motion request,
// reset, and power verb lands as one JSON line in an append-only file.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/arm-control/acc/internal/auth"
)

// Entry is one audit record.
type Entry struct {
	Timestamp time.Time              `json:"ts"`
	User      string                 `json:"user"`
	Action    string                 `json:"action"`
	Target    string                 `json:"target,omitempty"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Outcome   string                 `json:"outcome"`
	Code      string                 `json:"code"`
	LatencyMS int64                  `json:"latencyMs"`
}

// Logger appends audit entries to audit.jsonl under the configured
// directory. Write failures go to stderr and never surface to the caller;
// an audit miss must not block a stop command.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
}

// NewLogger opens (creating if needed) the audit log under logDir.
func NewLogger(logDir string) (*Logger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	filePath := filepath.Join(logDir, "audit.jsonl")
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Logger{filePath: filePath, file: file}, nil
}

// LogAction records one operator action. target may be empty for actions
// that are not about a single axis or joint.
func (l *Logger) LogAction(ctx context.Context, action, target string, params map[string]interface{}, err error, latency time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	l.write(Entry{
		Timestamp: time.Now().UTC(),
		User:      userFrom(ctx),
		Action:    action,
		Target:    target,
		Params:    params,
		Outcome:   outcome,
		Code:      codeFrom(err),
		LatencyMS: latency.Milliseconds(),
	})
}

func (l *Logger) write(entry Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit: marshal entry: %v\n", err)
		return
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "audit: write entry: %v\n", err)
		return
	}
	if err := l.file.Sync(); err != nil {
		fmt.Fprintf(os.Stderr, "audit: sync: %v\n", err)
	}
}

// FilePath returns the audit log location.
func (l *Logger) FilePath() string { return l.filePath }

// Close closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func userFrom(ctx context.Context) string {
	if claims, ok := auth.ClaimsFromContext(ctx); ok && claims.Subject != "" {
		return claims.Subject
	}
	return "anonymous"
}

// codeFrom maps an error to its sentinel code. The boundary packages use
// UPPER_CASE sentinel messages, so the first such token is the code.
func codeFrom(err error) string {
	if err == nil {
		return "SUCCESS"
	}
	for _, code := range []string{
		"FAULTED", "NOT_READY", "INVALID_INTENT",
		"CONNECT_FAILED", "SEND_FAILED", "NOT_CONNECTED",
		"UNAUTHORIZED", "FORBIDDEN",
	} {
		if strings.Contains(err.Error(), code) {
			return code
		}
	}
	return "ERROR"
}
