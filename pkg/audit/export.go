package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyExportRequest is returned when neither a correlation id nor a
	// time range is given.
	ErrEmptyExportRequest = errors.New("audit: export needs a correlation_id or a time range")
	// ErrInvalidTimeRange is returned when start time is after end time.
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
	// ErrStoreNotConfigured is returned when audit export is invoked without a backing store.
	ErrStoreNotConfigured = errors.New("audit: store not configured (fail-closed)")
)

// ExportRequest defines what to export.
type ExportRequest struct {
	CorrelationID string    `json:"correlation_id,omitempty"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
}

// Manifest describes an evidence pack.
type Manifest struct {
	GeneratedAt   time.Time `json:"generated_at"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Start         time.Time `json:"start,omitempty"`
	End           time.Time `json:"end,omitempty"`
	EventCount    int       `json:"event_count"`
	ChainLength   int       `json:"chain_length"`
	ChainHeadSeq  uint64    `json:"chain_head_sequence"`
	ChainHead     string    `json:"chain_head"`
}

// Exporter handles the creation of evidence packs.
type Exporter struct {
	store Store
	now   func() time.Time
}

func NewExporter(s Store) *Exporter {
	return &Exporter{store: s, now: time.Now}
}

// GeneratePack creates a zip file containing the selected records and a
// manifest, and returns it with its SHA-256. The whole chain is verified
// first; a broken chain is not exported.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if req.CorrelationID == "" && req.StartTime.IsZero() && req.EndTime.IsZero() {
		return nil, "", ErrEmptyExportRequest
	}
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}
	if e.store == nil {
		return nil, "", ErrStoreNotConfigured
	}

	chainLen, err := e.store.Verify(ctx)
	if err != nil {
		return nil, "", err
	}
	headSeq, head, err := e.store.Head(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("audit: read chain head: %w", err)
	}

	var records []Record
	if req.CorrelationID != "" {
		records, err = e.store.ByCorrelation(ctx, req.CorrelationID)
		if err == nil && (!req.StartTime.IsZero() || !req.EndTime.IsZero()) {
			filtered := records[:0]
			for _, r := range records {
				if inRange(r.Event.Timestamp, req.StartTime, req.EndTime) {
					filtered = append(filtered, r)
				}
			}
			records = filtered
		}
	} else {
		records, err = e.store.Range(ctx, req.StartTime, req.EndTime)
	}
	if err != nil {
		return nil, "", err
	}
	if records == nil {
		records = []Record{}
	}

	eventsJSON, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, "", err
	}
	generated := e.now().UTC()
	manifestJSON, err := json.MarshalIndent(Manifest{
		GeneratedAt:   generated,
		CorrelationID: req.CorrelationID,
		Start:         req.StartTime,
		End:           req.EndTime,
		EventCount:    len(records),
		ChainLength:   chainLen,
		ChainHeadSeq:  headSeq,
		ChainHead:     head,
	}, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	files := []struct {
		name string
		data []byte
	}{
		{"events.json", eventsJSON},
		{"manifest.json", manifestJSON},
		{"README.txt", fmt.Appendf(nil, "Audit evidence pack\nGenerated at %s\nRecords: %d\n", generated.Format(time.RFC3339), len(records))},
	}
	for _, file := range files {
		f, err := w.Create(file.name)
		if err != nil {
			return nil, "", err
		}
		if _, err := f.Write(file.data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	hash := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(hash[:]), nil
}
