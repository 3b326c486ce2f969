//go:build !gcp

package siem

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/arbiter/pkg/audit"
)

func NewGCSArchive(ctx context.Context, cfg Config) (audit.Sink, error) {
	return nil, fmt.Errorf("GCS archive is not enabled in this build (use -tags gcp)")
}
