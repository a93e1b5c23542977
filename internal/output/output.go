package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oriys/banter/internal/advisor"
	"github.com/oriys/banter/internal/cache"
	"github.com/oriys/banter/internal/loader"
	"github.com/oriys/banter/internal/monitor"
)

// Format represents output format
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a format string
func ParseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON
	case "yaml", "yml":
		return FormatYAML
	default:
		return FormatTable
	}
}

// Printer handles formatted output
type Printer struct {
	format  Format
	writer  io.Writer
	noColor bool
}

// NewPrinter creates a new printer
func NewPrinter(format Format) *Printer {
	return &Printer{
		format:  format,
		writer:  os.Stdout,
		noColor: os.Getenv("NO_COLOR") != "",
	}
}

// SetWriter sets the output writer
func (p *Printer) SetWriter(w io.Writer) {
	p.writer = w
}

// Print outputs data in the configured format
func (p *Printer) Print(data interface{}) error {
	switch p.format {
	case FormatYAML:
		return p.printYAML(data)
	default:
		return p.printJSON(data)
	}
}

func (p *Printer) printJSON(data interface{}) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func (p *Printer) printYAML(data interface{}) error {
	enc := yaml.NewEncoder(p.writer)
	enc.SetIndent(2)
	return enc.Encode(data)
}

// Color codes
const (
	Reset  = "\033[0m"
	Bold   = "\033[1m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Cyan   = "\033[36m"
	Gray   = "\033[90m"
)

// Colorize adds color to text
func (p *Printer) Colorize(color, text string) string {
	if p.noColor {
		return text
	}
	return color + text + Reset
}

// TableWriter creates a tabwriter for aligned output
func (p *Printer) TableWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
}

func (p *Printer) impactColor(impact advisor.Impact) string {
	switch impact {
	case advisor.ImpactHigh:
		return Red
	case advisor.ImpactMedium:
		return Yellow
	default:
		return Gray
	}
}

// PrintFindings prints advisor findings
func (p *Printer) PrintFindings(findings []advisor.Finding) error {
	if p.format == FormatJSON || p.format == FormatYAML {
		return p.Print(findings)
	}

	if len(findings) == 0 {
		fmt.Fprintln(p.writer, "No findings")
		return nil
	}

	w := p.TableWriter()
	fmt.Fprintln(w, p.Colorize(Bold, "IMPACT\tCATEGORY\tISSUE\tRECOMMENDATION"))
	for _, f := range findings {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			p.Colorize(p.impactColor(f.Impact), strings.ToUpper(string(f.Impact))),
			f.Category,
			f.Issue,
			f.Recommendation,
		)
	}
	return w.Flush()
}

// PrintQueryStats prints recorded query statistics
func (p *Printer) PrintQueryStats(stats []monitor.QueryStat) error {
	if p.format == FormatJSON || p.format == FormatYAML {
		return p.Print(stats)
	}

	if len(stats) == 0 {
		fmt.Fprintln(p.writer, "No queries recorded")
		return nil
	}

	w := p.TableWriter()
	fmt.Fprintln(w, p.Colorize(Bold, "COUNT\tAVG\tMIN\tMAX\tLAST\tQUERY"))
	for _, s := range stats {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			s.Count,
			s.AverageTime.Round(time.Microsecond),
			s.MinTime.Round(time.Microsecond),
			s.MaxTime.Round(time.Microsecond),
			s.LastExecutedAt.Format(time.RFC3339),
			p.Colorize(Cyan, truncate(s.Signature, 80)),
		)
	}
	return w.Flush()
}

// PrintRecommendations prints aggregated index recommendations
func (p *Printer) PrintRecommendations(recs []string) error {
	if p.format == FormatJSON || p.format == FormatYAML {
		return p.Print(recs)
	}

	if len(recs) == 0 {
		fmt.Fprintln(p.writer, "No index recommendations")
		return nil
	}
	for _, r := range recs {
		fmt.Fprintf(p.writer, "%s %s\n", p.Colorize(Green, "*"), r)
	}
	return nil
}

// PrintCacheStats prints per-cache counters
func (p *Printer) PrintCacheStats(caches map[string]cache.Stats) error {
	if p.format == FormatJSON || p.format == FormatYAML {
		return p.Print(caches)
	}

	names := make([]string, 0, len(caches))
	for name := range caches {
		names = append(names, name)
	}
	sort.Strings(names)

	w := p.TableWriter()
	fmt.Fprintln(w, p.Colorize(Bold, "CACHE\tENTRIES\tHITS\tMISSES\tHIT RATE\tEXPIRED\tEVICTED"))
	for _, name := range names {
		s := caches[name]
		fmt.Fprintf(w, "%s\t%d/%d\t%d\t%d\t%.1f%%\t%d\t%d\n",
			p.Colorize(Cyan, name),
			s.Entries, s.MaxEntries,
			s.Hits, s.Misses,
			s.HitRate*100,
			s.Expired, s.Evicted,
		)
	}
	return w.Flush()
}

// PrintLoaderStats prints per-loader counters
func (p *Printer) PrintLoaderStats(loaders map[string]loader.Stats) error {
	if p.format == FormatJSON || p.format == FormatYAML {
		return p.Print(loaders)
	}

	names := make([]string, 0, len(loaders))
	for name := range loaders {
		names = append(names, name)
	}
	sort.Strings(names)

	w := p.TableWriter()
	fmt.Fprintln(w, p.Colorize(Bold, "LOADER\tLOADS\tDEDUPED\tFETCHES\tERRORS\tPENDING"))
	for _, name := range names {
		s := loaders[name]
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n",
			p.Colorize(Cyan, name),
			s.Loads, s.DedupHits, s.Fetches, s.Errors, s.Pending,
		)
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "..."
}
