package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oriys/banter/internal/advisor"
	"github.com/oriys/banter/internal/monitor"
	"github.com/oriys/banter/internal/output"
)

func analyzeCmd() *cobra.Command {
	var (
		queryFile string
		statsFile string
		format    string
	)

	cmd := &cobra.Command{
		Use:   "analyze [query...]",
		Short: "Analyze SQL queries for performance problems",
		Long:  "Run the optimization heuristics over queries given as arguments, from a file, or on stdin (semicolon-separated)",
		RunE: func(cmd *cobra.Command, args []string) error {
			queries := append([]string(nil), args...)
			if queryFile != "" {
				data, err := os.ReadFile(queryFile)
				if err != nil {
					return fmt.Errorf("read query file: %w", err)
				}
				queries = append(queries, splitQueries(string(data))...)
			}
			if len(queries) == 0 {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				queries = splitQueries(string(data))
			}
			if len(queries) == 0 {
				return fmt.Errorf("no queries to analyze")
			}

			statsBySig := make(map[string]monitor.QueryStat)
			if statsFile != "" {
				data, err := os.ReadFile(statsFile)
				if err != nil {
					return fmt.Errorf("read stats file: %w", err)
				}
				var stats []monitor.QueryStat
				if err := json.Unmarshal(data, &stats); err != nil {
					return fmt.Errorf("parse stats file: %w", err)
				}
				for _, s := range stats {
					statsBySig[s.Signature] = s
				}
			}

			a, err := advisor.New(advisor.Config{})
			if err != nil {
				return err
			}

			var findings []advisor.Finding
			var allStats []monitor.QueryStat
			for _, q := range queries {
				var stat *monitor.QueryStat
				if s, ok := statsBySig[q]; ok {
					stat = &s
					allStats = append(allStats, s)
				} else {
					allStats = append(allStats, monitor.QueryStat{Signature: q})
				}
				findings = append(findings, a.Analyze(q, stat)...)
			}
			recs := a.RecommendIndexes(allStats)

			fm := output.ParseFormat(format)
			p := output.NewPrinter(fm)
			if fm == output.FormatJSON || fm == output.FormatYAML {
				return p.Print(map[string]interface{}{
					"findings":              findings,
					"index_recommendations": recs,
				})
			}

			if err := p.PrintFindings(findings); err != nil {
				return err
			}
			if len(recs) > 0 {
				fmt.Println()
				if err := p.PrintRecommendations(recs); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&queryFile, "file", "f", "", "Read queries from file (semicolon-separated)")
	cmd.Flags().StringVar(&statsFile, "stats", "", "JSON file of recorded query stats, joined to queries by signature")
	cmd.Flags().StringVarP(&format, "output", "o", "table", "Output format (table, json, yaml)")
	return cmd
}

func splitQueries(s string) []string {
	var out []string
	for _, q := range strings.Split(s, ";") {
		q = strings.TrimSpace(q)
		if q != "" {
			out = append(out, q)
		}
	}
	return out
}
