package dashboard

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Rajchodisetti/mlstock/internal/observ"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeError   = "error"
)

// AuditEntry is one operator action or security event.
type AuditEntry struct {
	Timestamp     time.Time      `json:"timestamp"`
	Operator      string         `json:"operator,omitempty"`
	Action        string         `json:"action"`
	Account       string         `json:"account,omitempty"`
	Outcome       string         `json:"outcome"`
	Details       map[string]any `json:"details,omitempty"`
	RemoteAddr    string         `json:"remote_addr,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// AuditLog appends entries to a JSONL file. An empty path keeps entries in
// memory only.
type AuditLog struct {
	mu     sync.Mutex
	path   string
	memory []AuditEntry
}

func NewAuditLog(path string) *AuditLog {
	return &AuditLog{path: path}
}

func (a *AuditLog) Append(e AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	observ.IncCounter("audit_entries_total", map[string]string{"action": e.Action, "outcome": e.Outcome})
	if a.path == "" {
		a.memory = append(a.memory, e)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		observ.IncCounter("audit_log_errors_total", map[string]string{"error": "mkdir"})
		return err
	}
	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		observ.IncCounter("audit_log_errors_total", map[string]string{"error": "open_file"})
		return err
	}
	defer f.Close()
	line, err := json.Marshal(e)
	if err != nil {
		observ.IncCounter("audit_log_errors_total", map[string]string{"error": "marshal"})
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		observ.IncCounter("audit_log_errors_total", map[string]string{"error": "write"})
		return err
	}
	return nil
}

// Recent returns up to n newest entries, oldest first. Unreadable lines are
// skipped.
func (a *AuditLog) Recent(n int) ([]AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var all []AuditEntry
	if a.path == "" {
		all = append(all, a.memory...)
	} else {
		f, err := os.Open(a.path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		defer f.Close()
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			var e AuditEntry
			if json.Unmarshal(sc.Bytes(), &e) == nil {
				all = append(all, e)
			}
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read audit log: %w", err)
		}
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}
