package safety

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/mlstock/internal/observ"
)

// Event types written to the safety log.
const (
	EventTransition        = "mode_transition"
	EventLiveRequestFailed = "live_request_failed"
	EventClearFailed       = "clear_suspension_failed"
)

// Event is one line of the append-only safety log.
type Event struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Type       string    `json:"type"`
	Account    string    `json:"account"`
	From       Mode      `json:"from,omitempty"`
	To         Mode      `json:"to,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Generation uint64    `json:"generation"`
}

// EventLog is a JSONL file shared by all account machines.
type EventLog struct {
	mu   sync.Mutex
	path string
}

func NewEventLog(path string) *EventLog {
	return &EventLog{path: path}
}

// Append writes one event and syncs it to disk.
func (l *EventLog) Append(e Event) error {
	if l == nil || l.path == "" {
		return nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create event log directory: %w", err)
		}
	}
	file, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer file.Close()

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(file, "%s\n", line); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return file.Sync()
}

// Load returns the events of one account in file order. Malformed lines are
// counted and skipped.
func (l *EventLog) Load(account string) ([]Event, error) {
	if l == nil || l.path == "" {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			observ.IncCounter("safety_event_parse_errors_total", nil)
			continue
		}
		if e.Account == account {
			events = append(events, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading event log: %w", err)
	}
	return events, nil
}
