package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"chainfeed/cmd/chainfeedctl/ui"
	"chainfeed/internal/buildinfo"
	"chainfeed/pkg/sdk"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorStyle.Render(err.Error()))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:     "chainfeedctl",
		Short:   "Inspect a ChainFeed node's published bus state",
		Version: buildinfo.Version,
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", sdk.DefaultRedisAddr(), "bus address (host:port)")

	cmd.AddCommand(statusCmd(&addr))
	cmd.AddCommand(truthCmd(&addr))
	cmd.AddCommand(meshCmd(&addr))
	cmd.AddCommand(expirationsCmd(&addr))
	return cmd
}

func connect(ctx context.Context, addr string) (*sdk.Client, error) {
	return sdk.Dial(ctx, addr)
}

func statusCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the node's most recent startup status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := connect(cmd.Context(), *addr)
			if err != nil {
				return err
			}
			defer client.Close()

			st, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}

			pairs := []ui.Pair{
				{Key: "Phase", Value: st.Phase},
				{Key: "Timestamp", Value: fmt.Sprintf("%s (%s)", st.Timestamp.Format("2006-01-02T15:04:05Z07:00"), humanize.Time(st.Timestamp))},
			}
			fmt.Print(ui.KeyValues(pairs...))

			names := make([]string, 0, len(st.Status))
			for name := range st.Status {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("  %-20s %s\n", name, ui.StatusGlyph(st.Status[name]))
			}
			return nil
		},
	}
}

func truthCmd(addr *string) *cobra.Command {
	root := &cobra.Command{
		Use:   "truth",
		Short: "Inspect the canonical truth document",
	}
	root.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the current truth document's version and symbol set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := connect(cmd.Context(), *addr)
			if err != nil {
				return err
			}
			defer client.Close()

			doc, err := client.TruthShow(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Print(ui.KeyValues(
				ui.Pair{Key: "Version", Value: doc.Version},
				ui.Pair{Key: "Last Updated", Value: humanize.Time(doc.Metadata.LastUpdated)},
				ui.Pair{Key: "Symbols", Value: fmt.Sprint(doc.Chainfeed.DefaultSymbols)},
				ui.Pair{Key: "Node ID", Value: doc.Mesh.NodeID},
			))
			return nil
		},
	})
	return root
}

func meshCmd(addr *string) *cobra.Command {
	root := &cobra.Command{
		Use:   "mesh",
		Short: "Inspect mesh peer state",
	}
	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every known mesh registry entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := connect(cmd.Context(), *addr)
			if err != nil {
				return err
			}
			defer client.Close()

			entries, err := client.MeshList(cmd.Context())
			if err != nil {
				return err
			}

			keys := make([]string, 0, len(entries))
			for k := range entries {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				e := entries[k]
				fmt.Printf("%-30s %-10s node=%-20s group=%s\n", k, ui.StatusGlyph(e.Status), e.NodeID, e.Group)
			}
			return nil
		},
	})
	return root
}

func expirationsCmd(addr *string) *cobra.Command {
	var symbol string
	var withinDays int

	cmd := &cobra.Command{
		Use:   "expirations",
		Short: "List contracts for a symbol expiring within N days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := connect(cmd.Context(), *addr)
			if err != nil {
				return err
			}
			defer client.Close()

			contracts, err := client.Expirations(cmd.Context(), symbol, withinDays)
			if err != nil {
				return err
			}

			for _, c := range contracts {
				fmt.Printf("%-6s %-6s strike=%-10.2f expiry=%s\n", symbol, c.ContractType, c.Strike, c.Expiry)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "underlying symbol")
	cmd.Flags().IntVar(&withinDays, "within-days", 7, "expiry window in days")
	_ = cmd.MarkFlagRequired("symbol")
	return cmd
}
