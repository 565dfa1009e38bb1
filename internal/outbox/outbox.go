package outbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	EntryOrder = "order"
	EntryFill  = "fill"
)

// Entry is one journal line. Data is the caller's record as JSON.
type Entry struct {
	Type  string          `json:"type"`
	Key   string          `json:"key"`
	Data  json.RawMessage `json:"data"`
	Event time.Time       `json:"event"`
}

// Outbox is an append-only JSONL journal of order records and fills.
type Outbox struct {
	mu           sync.Mutex
	path         string
	dedupeWindow time.Duration
}

// New opens the journal at path. A zero dedupeWindow makes Lookup consider
// the whole file.
func New(path string, dedupeWindow time.Duration) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &Outbox{path: path, dedupeWindow: dedupeWindow}, nil
}

func (o *Outbox) WriteOrder(key string, record any, at time.Time) error {
	return o.append(EntryOrder, key, record, at)
}

func (o *Outbox) WriteFill(key string, fill any, at time.Time) error {
	return o.append(EntryFill, key, fill, at)
}

func (o *Outbox) append(kind, key string, v any, at time.Time) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s entry: %w", kind, err)
	}
	line, err := json.Marshal(Entry{Type: kind, Key: key, Data: data, Event: at.UTC()})
	if err != nil {
		return fmt.Errorf("marshal %s entry: %w", kind, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(string(line) + "\n")
	return err
}

// Lookup returns the latest order record written for key.
func (o *Outbox) Lookup(key string, now time.Time) (json.RawMessage, bool, error) {
	var latest json.RawMessage
	cutoff := time.Time{}
	if o.dedupeWindow > 0 {
		cutoff = now.UTC().Add(-o.dedupeWindow)
	}
	err := o.Replay(func(e Entry) error {
		if e.Type == EntryOrder && e.Key == key && !e.Event.Before(cutoff) {
			latest = e.Data
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return latest, latest != nil, nil
}

// Replay calls fn for every well-formed entry in file order.
func (o *Outbox) Replay(fn func(Entry) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, err := os.Open(o.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return scanner.Err()
}
