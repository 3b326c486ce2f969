package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/arbiter/pkg/config"
	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
	"github.com/Mindburn-Labs/arbiter/pkg/federation"
)

func newNodesCmd() *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "Manage the federation peer registry in Postgres",
	}
	cmd.PersistentFlags().StringVar(&dsn, "dsn", "", "Postgres DSN (default: DATABASE_URL or the built-in default)")

	withStore := func(fn func(*federation.PostgresNodeStore) error) error {
		if dsn == "" {
			dsn = config.Load().Postgres.DSN
		}
		db, err := openDB(dsn)
		if err != nil {
			return fmt.Errorf("open node store: %w", err)
		}
		defer db.Close()
		return fn(federation.NewPostgresNodeStore(db))
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(func(s *federation.PostgresNodeStore) error {
				nodes, err := s.List(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(nodes)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "NODE\tORG\tENDPOINT\tENABLED\tLIMIT/H\tLAST TRUSTED")
				for _, n := range nodes {
					trusted := "never"
					if !n.LastTrustedAt.IsZero() {
						trusted = n.LastTrustedAt.UTC().Format(time.RFC3339)
					}
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%s\n", n.NodeID, n.Org(), n.Endpoint, n.Enabled, n.HourlyLimit(), trusted)
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	var (
		peer       contracts.FederationNode
		anchorFile string
		disabled   bool
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Add or update a peer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pem, err := os.ReadFile(anchorFile)
			if err != nil {
				return fmt.Errorf("read trust anchor: %w", err)
			}
			peer.TrustAnchorPEM = string(pem)
			peer.Enabled = !disabled
			if peer.Name == "" {
				peer.Name = peer.NodeID
			}
			return withStore(func(s *federation.PostgresNodeStore) error {
				if err := s.Init(cmd.Context()); err != nil {
					return err
				}
				if err := s.Upsert(cmd.Context(), peer); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "Saved node %s (%s)\n", peer.NodeID, peer.Endpoint)
				return err
			})
		},
	}
	add.Flags().StringVar(&peer.NodeID, "id", "", "Node ID")
	add.Flags().StringVar(&peer.Name, "name", "", "Display name")
	add.Flags().StringVar(&peer.OrgID, "org", "", "Organization the node answers for (default: the node ID)")
	add.Flags().StringVar(&peer.Endpoint, "endpoint", "", "Federation base URL, e.g. https://node-b:8443")
	add.Flags().StringVar(&anchorFile, "anchor", "", "PEM file with the pinned certificate or issuing CA")
	add.Flags().IntVar(&peer.RateLimitPerHour, "rate-limit", 0, "Delegations per hour (0 uses the default)")
	add.Flags().BoolVar(&disabled, "disabled", false, "Register the node disabled")
	_ = add.MarkFlagRequired("id")
	_ = add.MarkFlagRequired("endpoint")
	_ = add.MarkFlagRequired("anchor")

	setEnabled := func(use string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <node-id>",
			Short: fmt.Sprintf("%s a peer", map[bool]string{true: "Enable", false: "Disable"}[enabled]),
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(func(s *federation.PostgresNodeStore) error {
					if err := s.SetEnabled(cmd.Context(), args[0], enabled); err != nil {
						return err
					}
					_, err := fmt.Fprintf(cmd.OutOrStdout(), "Node %s %sd\n", args[0], use)
					return err
				})
			},
		}
	}

	cmd.AddCommand(list, add, setEnabled("enable", true), setEnabled("disable", false))
	return cmd
}
