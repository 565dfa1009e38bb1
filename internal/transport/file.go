package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/mlstock/internal/observ"
)

// FileSource replays batches from a JSONL file, one Batch per line.
type FileSource struct {
	mu      sync.Mutex
	f       *os.File
	scanner *bufio.Scanner
	line    int
	logger  *zap.Logger
}

func OpenFile(path string, logger *zap.Logger) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	return &FileSource{f: f, scanner: sc, logger: observ.OrNop(logger).Named("replay")}, nil
}

// Next returns the next well-formed batch. Corrupt lines are logged and
// skipped. ErrExhausted marks the end of the file.
func (s *FileSource) Next(ctx context.Context) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return Batch{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return Batch{}, fmt.Errorf("read line %d: %w", s.line+1, err)
			}
			return Batch{}, ErrExhausted
		}
		s.line++
		raw := s.scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var b Batch
		if err := json.Unmarshal(raw, &b); err != nil {
			s.logger.Warn("skipping corrupt batch line", zap.Int("line", s.line), zap.Error(err))
			observ.IncCounter("replay_corrupt_lines_total", nil)
			continue
		}
		return b, nil
	}
}

func (s *FileSource) Close() error {
	return s.f.Close()
}
