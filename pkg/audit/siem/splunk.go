// Package siem holds the external audit sinks: SIEM log collectors and
// object-store archives. Every sink implements audit.Sink.
package siem

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
	"github.com/Mindburn-Labs/arbiter/pkg/util/resiliency"
)

const splunkPath = "/services/collector/event"

// SplunkHEC posts batches to a Splunk HTTP Event Collector.
type SplunkHEC struct {
	url        string
	token      string
	index      string
	source     string
	sourceType string
	host       string
	client     *resiliency.EnhancedClient
}

type hecEvent struct {
	Time       float64                  `json:"time"`
	Host       string                   `json:"host,omitempty"`
	Source     string                   `json:"source,omitempty"`
	SourceType string                   `json:"sourcetype,omitempty"`
	Index      string                   `json:"index,omitempty"`
	Event      contracts.ForwardPayload `json:"event"`
}

// NewSplunkHEC builds a sink for the collector at baseURL.
func NewSplunkHEC(cfg Config, client *resiliency.EnhancedClient) (*SplunkHEC, error) {
	if cfg.Endpoint == "" || cfg.Token == "" {
		return nil, fmt.Errorf("siem: splunk sink needs endpoint and token")
	}
	if client == nil {
		client = defaultClient()
	}
	host, _ := os.Hostname()
	source := cfg.Source
	if source == "" {
		source = "arbiter"
	}
	return &SplunkHEC{
		url:        strings.TrimRight(cfg.Endpoint, "/") + splunkPath,
		token:      cfg.Token,
		index:      cfg.Index,
		source:     source,
		sourceType: "arbiter:audit",
		host:       host,
		client:     client,
	}, nil
}

func (s *SplunkHEC) Name() string { return "splunk" }

// Send writes the batch as concatenated HEC event objects in one request.
func (s *SplunkHEC) Send(ctx context.Context, batch []contracts.ForwardPayload) error {
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, p := range batch {
		ev := hecEvent{
			Time:       float64(p.Timestamp.UnixNano()) / float64(time.Second),
			Host:       s.host,
			Source:     s.source,
			SourceType: s.sourceType,
			Index:      s.index,
			Event:      p,
		}
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("siem: encode splunk event: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body.Bytes()))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Splunk "+s.token)
	req.Header.Set("Content-Type", "application/json")
	return do(s.client, req)
}

func defaultClient() *resiliency.EnhancedClient {
	return resiliency.NewEnhancedClient(
		resiliency.WithHTTPClient(&http.Client{Timeout: 10 * time.Second}),
		resiliency.WithRetries(2, 200*time.Millisecond),
	)
}

// do sends req and maps any non-2xx status to an error.
func do(c *resiliency.EnhancedClient, req *http.Request) error {
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("siem: %s %s: status %d: %s", req.Method, req.URL.Host, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
