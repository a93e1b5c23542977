package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/banter/internal/dataaccess"
	"github.com/oriys/banter/internal/output"
)

func statsCmd() *cobra.Command {
	var (
		addr   string
		format string
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache, loader, and query stats from a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := strings.TrimRight(addr, "/") + "/v1/stats"
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(url)
			if err != nil {
				return fmt.Errorf("fetch stats: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("daemon returned %s", resp.Status)
			}

			var snap dataaccess.Snapshot
			if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
				return fmt.Errorf("decode stats: %w", err)
			}

			fm := output.ParseFormat(format)
			p := output.NewPrinter(fm)
			if fm == output.FormatJSON || fm == output.FormatYAML {
				return p.Print(snap)
			}

			if err := p.PrintCacheStats(snap.Caches); err != nil {
				return err
			}
			fmt.Println()
			if err := p.PrintLoaderStats(snap.Loaders); err != nil {
				return err
			}
			if len(snap.Queries) > 0 {
				fmt.Println()
				if err := p.PrintQueryStats(snap.Queries); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8087", "Daemon base URL")
	cmd.Flags().StringVarP(&format, "output", "o", "table", "Output format (table, json, yaml)")
	return cmd
}
