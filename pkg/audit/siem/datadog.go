package siem

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
	"github.com/Mindburn-Labs/arbiter/pkg/util/resiliency"
)

const (
	datadogPath        = "/api/v2/logs"
	defaultDatadogSite = "https://http-intake.logs.datadoghq.com"
)

// Datadog posts batches to the Datadog Logs intake API.
type Datadog struct {
	url     string
	apiKey  string
	service string
	tags    string
	host    string
	client  *resiliency.EnhancedClient
}

type ddLog struct {
	Source   string `json:"ddsource"`
	Tags     string `json:"ddtags,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	Service  string `json:"service"`
	Message  string `json:"message"`
}

func NewDatadog(cfg Config, client *resiliency.EnhancedClient) (*Datadog, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("siem: datadog sink needs an api key")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultDatadogSite
	}
	if client == nil {
		client = defaultClient()
	}
	service := cfg.Source
	if service == "" {
		service = "arbiter"
	}
	host, _ := os.Hostname()
	return &Datadog{
		url:     strings.TrimRight(endpoint, "/") + datadogPath,
		apiKey:  cfg.Token,
		service: service,
		tags:    strings.Join(cfg.Tags, ","),
		host:    host,
		client:  client,
	}, nil
}

func (d *Datadog) Name() string { return "datadog" }

func (d *Datadog) Send(ctx context.Context, batch []contracts.ForwardPayload) error {
	logs := make([]ddLog, 0, len(batch))
	for _, p := range batch {
		msg, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("siem: encode datadog log: %w", err)
		}
		logs = append(logs, ddLog{
			Source:   "arbiter",
			Tags:     d.tags,
			Hostname: d.host,
			Service:  d.service,
			Message:  string(msg),
		})
	}
	body, err := json.Marshal(logs)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("DD-API-KEY", d.apiKey)
	req.Header.Set("Content-Type", "application/json")
	return do(d.client, req)
}
