package siem

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/Mindburn-Labs/arbiter/pkg/audit"
)

// Config describes one sink. Token holds the Splunk HEC token or the
// Datadog API key; values of the form "env:NAME" are read from the
// environment.
type Config struct {
	Type     string   `yaml:"type" json:"type"` // splunk | datadog | s3 | gcs | stdout
	Endpoint string   `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Token    string   `yaml:"token,omitempty" json:"-"`
	Index    string   `yaml:"index,omitempty" json:"index,omitempty"`
	Source   string   `yaml:"source,omitempty" json:"source,omitempty"`
	Tags     []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Bucket   string   `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Region   string   `yaml:"region,omitempty" json:"region,omitempty"`
	Prefix   string   `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

func (c Config) token() string {
	if name, ok := strings.CutPrefix(c.Token, "env:"); ok {
		return os.Getenv(name)
	}
	return c.Token
}

// New builds the sink described by cfg.
func New(ctx context.Context, cfg Config) (audit.Sink, error) {
	cfg.Token = cfg.token()
	switch strings.ToLower(cfg.Type) {
	case "splunk":
		return NewSplunkHEC(cfg, nil)
	case "datadog":
		return NewDatadog(cfg, nil)
	case "s3":
		return NewS3Archive(ctx, cfg)
	case "gcs":
		return NewGCSArchive(ctx, cfg)
	case "stdout":
		return audit.NewWriterSink(os.Stdout), nil
	default:
		return nil, fmt.Errorf("siem: unknown sink type %q", cfg.Type)
	}
}

// NewAll builds every configured sink, failing on the first bad one.
func NewAll(ctx context.Context, cfgs []Config) ([]audit.Sink, error) {
	sinks := make([]audit.Sink, 0, len(cfgs))
	for i, c := range cfgs {
		s, err := New(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("siem: sink %d (%s): %w", i, c.Type, err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}
