package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// Spool is the local fallback for payloads a sink could not take. One JSONL
// file per sink, replayed once the sink accepts a batch again.
type Spool struct {
	dir string
	mu  sync.Mutex
}

func NewSpool(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("audit: create spool dir: %w", err)
	}
	return &Spool{dir: dir}, nil
}

func (s *Spool) path(sink string) string {
	return filepath.Join(s.dir, unsafeName.ReplaceAllString(sink, "_")+".jsonl")
}

// Append adds payloads to the sink's spool file.
func (s *Spool) Append(sink string, batch []contracts.ForwardPayload) error {
	if len(batch) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path(sink), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("audit: open spool: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, p := range batch {
		if err := enc.Encode(p); err != nil {
			_ = f.Close()
			return fmt.Errorf("audit: write spool: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("audit: flush spool: %w", err)
	}
	return f.Close()
}

// Drain removes and returns everything spooled for sink. Corrupt lines are
// skipped.
func (s *Spool) Drain(sink string) ([]contracts.ForwardPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.path(sink)
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: open spool: %w", err)
	}
	var out []contracts.ForwardPayload
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var fp contracts.ForwardPayload
		if json.Unmarshal(sc.Bytes(), &fp) == nil {
			out = append(out, fp)
		}
	}
	_ = f.Close()
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("audit: read spool: %w", err)
	}
	if err := os.Remove(p); err != nil {
		return nil, fmt.Errorf("audit: clear spool: %w", err)
	}
	return out, nil
}

// Pending counts spooled payloads for sink.
func (s *Spool) Pending(sink string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path(sink))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}
