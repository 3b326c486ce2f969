package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// WriterSink writes each payload as an "AUDIT: "-prefixed JSON line, for
// log collectors that tail stdout.
type WriterSink struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewWriterSink writes to w, or os.Stdout when w is nil.
func NewWriterSink(w io.Writer) *WriterSink {
	if w == nil {
		w = os.Stdout
	}
	return &WriterSink{writer: w}
}

func (s *WriterSink) Name() string { return "writer" }

func (s *WriterSink) Send(_ context.Context, batch []contracts.ForwardPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range batch {
		b, err := json.Marshal(p)
		if err != nil {
			return err
		}
		// Prefix with AUDIT: for easy filtering
		if _, err := s.writer.Write(append([]byte("AUDIT: "), append(b, '\n')...)); err != nil {
			return err
		}
	}
	return nil
}
