package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/cuemby/lbctl/pkg/config"
	"github.com/cuemby/lbctl/pkg/fragment"
	"github.com/spf13/cobra"
)

func newApplyCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply NAME CONFIG_FRAGMENT BACKEND_MAP",
		Short: "Register or replace a fragment",
		Long: `Register a routing fragment, replacing any fragment with the same name.

CONFIG_FRAGMENT is copied verbatim into the configuration directory.
BACKEND_MAP holds one "domain backend" pair per line; blank lines and
lines starting with # are ignored. Both parts become visible together.

Examples:
  lbctl apply shop ./shop.cfg ./shop.map`,
		Args: cobra.ExactArgs(3),
		RunE: opts.run(func(cmd *cobra.Command, args []string, cfg *config.Config) error {
			store := fragment.NewStoreFromConfig(cfg)
			if err := store.Apply(args[0], args[1], args[2]); err != nil {
				return fmt.Errorf("failed to apply fragment %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Fragment %s applied\n", args[0])
			return nil
		}),
	}
}

func newRemoveCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove NAME",
		Short: "Deregister a fragment",
		Args:  cobra.ExactArgs(1),
		RunE: opts.run(func(cmd *cobra.Command, args []string, cfg *config.Config) error {
			store := fragment.NewStoreFromConfig(cfg)
			if err := store.Remove(args[0]); err != nil {
				return fmt.Errorf("failed to remove fragment %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Fragment %s removed\n", args[0])
			return nil
		}),
	}
}

func newListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List fragments and their domains",
		Args:  cobra.NoArgs,
		RunE: opts.run(func(cmd *cobra.Command, args []string, cfg *config.Config) error {
			snap, err := fragment.NewStoreFromConfig(cfg).Snapshot()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(snap.Fragments()) == 0 {
				fmt.Fprintln(out, "No fragments registered")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDOMAINS")
			for _, frag := range snap.Fragments() {
				domains := frag.Domains()
				if len(domains) == 0 {
					domains = []string{"-"}
				}
				fmt.Fprintf(w, "%s\t%s\n", frag.Name, strings.Join(domains, ","))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			for _, c := range snap.Collisions() {
				fmt.Fprintf(out, "warning: %s in %s is ignored, already mapped by %s\n", c.Domain, c.Fragment, c.Owner)
			}
			return nil
		}),
	}
}
