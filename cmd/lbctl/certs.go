package main

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/cuemby/lbctl/pkg/acme"
	"github.com/cuemby/lbctl/pkg/certs"
	"github.com/cuemby/lbctl/pkg/config"
	"github.com/cuemby/lbctl/pkg/dns"
	"github.com/cuemby/lbctl/pkg/fragment"
	"github.com/cuemby/lbctl/pkg/storage"
	"github.com/spf13/cobra"
)

func newCertsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Manage TLS certificates",
	}
	cmd.AddCommand(newCertsReconcileCmd(opts))
	cmd.AddCommand(newCertsStatusCmd(opts))
	return cmd
}

func newCertsReconcileCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Request, renew and remove certificates to match the mapped domains",
		Long: `Bring the certificate directory in line with the domains of every
backend map: request certificates for new domains, renew certificates close
to expiry and remove certificates no mapped domain uses. Wildcard
certificates are never removed.

Each domain is handled independently. The command exits non-zero if any
domain failed, after all domains were attempted. A run that finds another
run in progress exits successfully without doing anything.`,
		Args: cobra.NoArgs,
		RunE: opts.run(func(cmd *cobra.Command, args []string, cfg *config.Config) error {
			if err := cfg.ValidateACME(); err != nil {
				return err
			}

			store, err := storage.NewBoltStore(cfg.DatabasePath(), storage.DefaultOpenTimeout)
			if err != nil {
				return err
			}
			defer store.Close()

			issuer, err := acme.NewIssuer(cfg.ACME, store)
			if err != nil {
				return err
			}

			manager := certs.NewManager(
				fragment.NewStoreFromConfig(cfg),
				issuer,
				store,
				certs.OptionsFromConfig(cfg, certResolver(cfg)),
			)

			report, err := manager.Reconcile(cmd.Context())
			if errors.Is(err, certs.ErrAlreadyRunning) {
				fmt.Fprintln(cmd.OutOrStdout(), "Another reconcile is in progress")
				return nil
			}
			if report != nil {
				printReport(cmd, report)
			}
			return err
		}),
	}
}

// certResolver returns the resolver for the server_ip check
func certResolver(cfg *config.Config) certs.Resolver {
	if len(cfg.ACME.DNSServers) > 0 {
		return dns.NewResolver(cfg.ACME.DNSServers, dns.DefaultTimeout)
	}
	return net.DefaultResolver
}

func printReport(cmd *cobra.Command, report *certs.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Requested: %d  Renewed: %d  Removed: %d  Unchanged: %d  Skipped: %d  Failed: %d\n",
		len(report.Requested), len(report.Renewed), len(report.Removed),
		len(report.Unchanged), len(report.Skipped), len(report.Failed))

	skipped := make([]string, 0, len(report.Skipped))
	for domain := range report.Skipped {
		skipped = append(skipped, domain)
	}
	sort.Strings(skipped)
	for _, domain := range skipped {
		fmt.Fprintf(out, "  skipped %s: %s\n", domain, report.Skipped[domain])
	}
}

func newCertsStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show certificate records",
		Args:  cobra.NoArgs,
		RunE: opts.run(func(cmd *cobra.Command, args []string, cfg *config.Config) error {
			store, err := storage.NewBoltStore(cfg.DatabasePath(), storage.DefaultOpenTimeout)
			if err != nil {
				return err
			}
			defer store.Close()

			manager := certs.NewManager(nil, nil, store, certs.OptionsFromConfig(cfg, nil))
			records, err := manager.Status()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "No certificates")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DOMAIN\tSTATE\tEXPIRES\tRENEWAL\tATTEMPTS\tLAST ERROR")
			for _, rec := range records {
				expires := "-"
				if !rec.NotAfter.IsZero() {
					expires = rec.NotAfter.Format(time.RFC3339)
				}
				renewal := "disabled"
				if rec.RenewalEnabled {
					renewal = "enabled"
				}
				lastErr := rec.LastError
				if lastErr == "" {
					lastErr = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", rec.Domain, rec.State, expires, renewal, rec.Attempts, lastErr)
			}
			return w.Flush()
		}),
	}
}
