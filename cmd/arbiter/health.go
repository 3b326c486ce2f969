package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/arbiter/pkg/adapter"
	"github.com/Mindburn-Labs/arbiter/pkg/audit"
	"github.com/Mindburn-Labs/arbiter/pkg/config"
	"github.com/Mindburn-Labs/arbiter/pkg/decisioncache"
	"github.com/Mindburn-Labs/arbiter/pkg/federation"
	"github.com/Mindburn-Labs/arbiter/pkg/observability"
)

// HealthPath is where the plain (non-mTLS) listener reports status.
const HealthPath = "/healthz"

type healthReport struct {
	Status          string                    `json:"status"`
	NodeID          string                    `json:"node_id"`
	Org             string                    `json:"org,omitempty"`
	Version         string                    `json:"version"`
	ProtocolVersion string                    `json:"protocol_version"`
	Federation      bool                      `json:"federation"`
	Adapters        []adapter.Info            `json:"adapters"`
	Resources       []adapter.ResourceHealth  `json:"resources,omitempty"`
	Cache           decisioncache.Stats       `json:"cache"`
	SLO             []observability.SLOStatus `json:"slo"`
	Forwarder       *audit.ForwarderStats     `json:"forwarder,omitempty"`
	ConfigReloads   *reloadCounts             `json:"config_reloads,omitempty"`
	Time            time.Time                 `json:"time"`
}

type reloadCounts struct {
	OK     int64 `json:"ok"`
	Failed int64 `json:"failed"`
}

func newHealthHandler(n *node, w *config.Watcher) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+HealthPath, func(rw http.ResponseWriter, r *http.Request) {
		rep := healthReport{
			Status:          "ok",
			NodeID:          n.cfg.Node.ID,
			Org:             n.cfg.Node.Org,
			Version:         version,
			ProtocolVersion: federation.ProtocolVersion,
			Federation:      n.server != nil,
			Adapters:        n.registry.Info(),
			Resources:       n.registry.HealthCheck(r.Context()),
			Cache:           n.cache.Stats(),
			Time:            time.Now().UTC(),
		}
		for _, res := range rep.Resources {
			if !res.Healthy {
				rep.Status = "degraded"
			}
		}
		if slo := n.telemetry.SLO(); slo != nil {
			rep.SLO = slo.Statuses()
			for _, s := range rep.SLO {
				if s.ObservationCount > 0 && !s.InCompliance {
					rep.Status = "degraded"
				}
			}
		}
		if n.forwarder != nil {
			st := n.forwarder.Stats()
			rep.Forwarder = &st
		}
		if w != nil {
			ok, failed := w.Reloads()
			rep.ConfigReloads = &reloadCounts{OK: ok, Failed: failed}
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(rep)
	})
	return mux
}

func newHealthCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running broker's health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+HealthPath, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("health check failed: status %d", resp.StatusCode)
			}
			var rep healthReport
			if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "%s: %s (version %s, protocol %s)\n", rep.NodeID, rep.Status, rep.Version, rep.ProtocolVersion)
			_, _ = fmt.Fprintf(out, "cache: %d entries, %d hits, %d misses\n", rep.Cache.Entries, rep.Cache.Hits, rep.Cache.Misses)
			for _, r := range rep.Resources {
				if !r.Healthy {
					_, _ = fmt.Fprintf(out, "resource %s/%s: unhealthy\n", r.Protocol, r.ResourceID)
				}
			}
			for _, s := range rep.SLO {
				_, _ = fmt.Fprintf(out, "slo %s: p99 %.1fms, success %.4f, compliant %t\n", s.Operation, s.CurrentP99, s.CurrentSuccess, s.InCompliance)
			}
			if rep.Status != "ok" {
				return fmt.Errorf("node is %s", rep.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8080", "Health listener address")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	return cmd
}
