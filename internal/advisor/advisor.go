// Package advisor turns query text and recorded timing statistics into
// heuristic optimization findings. It is a pure analysis pass: no stored
// state, no errors — a query that matches nothing simply yields no
// findings, which is not a success or failure signal.
package advisor

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/oriys/banter/internal/monitor"
)

// Category classifies what a finding is about.
type Category string

const (
	CategoryProjection Category = "projection"
	CategoryFullScan   Category = "full_scan"
	CategoryNPlusOne   Category = "n_plus_one"
	CategorySlowQuery  Category = "slow_query"
	CategoryIndex      Category = "index"
)

// Impact is the estimated improvement band for acting on a finding.
type Impact string

const (
	ImpactLow    Impact = "low"
	ImpactMedium Impact = "medium"
	ImpactHigh   Impact = "high"
)

// Finding is a single actionable observation about one query.
type Finding struct {
	Signature      string   `json:"signature"`
	Category       Category `json:"category"`
	Issue          string   `json:"issue"`
	Recommendation string   `json:"recommendation"`
	Impact         Impact   `json:"impact"`
}

// Config holds the thresholds the stat-driven heuristics compare against.
// Zero values take the defaults; negative values are a construction error.
type Config struct {
	// NPlusOneMinCount and NPlusOneMaxAvg together describe the shape of
	// an N+1 pattern: many executions, each individually cheap.
	NPlusOneMinCount int64
	NPlusOneMaxAvg   time.Duration

	// SlowAvg marks a query as slow when its average exceeds it.
	SlowAvg time.Duration
}

const (
	defaultNPlusOneMinCount = 100
	defaultNPlusOneMaxAvg   = 50 * time.Millisecond
	defaultSlowAvg          = time.Second
)

// Advisor applies the heuristics. Stateless; one instance serves any number
// of concurrent callers.
type Advisor struct {
	nPlusOneMinCount int64
	nPlusOneMaxAvg   time.Duration
	slowAvg          time.Duration
}

// New creates an Advisor with cfg's thresholds.
func New(cfg Config) (*Advisor, error) {
	if cfg.NPlusOneMinCount < 0 {
		return nil, fmt.Errorf("advisor: n+1 min count must not be negative, got %d", cfg.NPlusOneMinCount)
	}
	if cfg.NPlusOneMaxAvg < 0 {
		return nil, fmt.Errorf("advisor: n+1 max average must not be negative, got %v", cfg.NPlusOneMaxAvg)
	}
	if cfg.SlowAvg < 0 {
		return nil, fmt.Errorf("advisor: slow average must not be negative, got %v", cfg.SlowAvg)
	}

	a := &Advisor{
		nPlusOneMinCount: cfg.NPlusOneMinCount,
		nPlusOneMaxAvg:   cfg.NPlusOneMaxAvg,
		slowAvg:          cfg.SlowAvg,
	}
	if a.nPlusOneMinCount == 0 {
		a.nPlusOneMinCount = defaultNPlusOneMinCount
	}
	if a.nPlusOneMaxAvg == 0 {
		a.nPlusOneMaxAvg = defaultNPlusOneMaxAvg
	}
	if a.slowAvg == 0 {
		a.slowAvg = defaultSlowAvg
	}
	return a, nil
}

var (
	selectStarRe = regexp.MustCompile(`(?i)\bSELECT\s+\*`)
	whereRe      = regexp.MustCompile(`(?i)\bWHERE\b`)
	limitRe      = regexp.MustCompile(`(?i)\bLIMIT\b`)
	readRe       = regexp.MustCompile(`(?i)^\s*SELECT\b`)
	fromRe       = regexp.MustCompile(`(?i)\bFROM\s+([A-Za-z_][A-Za-z0-9_]*)`)
	// Simple equality filter: WHERE [alias.]column = …
	eqFilterRe = regexp.MustCompile(`(?i)\bWHERE\s+(?:[A-Za-z_][A-Za-z0-9_]*\.)?([A-Za-z_][A-Za-z0-9_]*)\s*=`)
)

// Analyze runs every heuristic against the query text and the optional
// stat. Each heuristic fires at most once; the result order is fixed.
func (a *Advisor) Analyze(query string, stat *monitor.QueryStat) []Finding {
	var findings []Finding

	signature := query
	if signature == "" && stat != nil {
		signature = stat.Signature
	}

	if selectStarRe.MatchString(query) {
		findings = append(findings, Finding{
			Signature:      signature,
			Category:       CategoryProjection,
			Issue:          "unbounded column projection (SELECT *) transfers every column whether or not the caller reads it",
			Recommendation: "select only the columns the caller uses",
			Impact:         ImpactLow,
		})
	}

	if readRe.MatchString(query) && !whereRe.MatchString(query) && !limitRe.MatchString(query) {
		findings = append(findings, Finding{
			Signature:      signature,
			Category:       CategoryFullScan,
			Issue:          "read with neither a WHERE clause nor a LIMIT risks a full table scan",
			Recommendation: "add a filter clause or bound the result set with LIMIT",
			Impact:         ImpactMedium,
		})
	}

	if stat != nil && stat.Count > a.nPlusOneMinCount && stat.AverageTime < a.nPlusOneMaxAvg {
		findings = append(findings, Finding{
			Signature: signature,
			Category:  CategoryNPlusOne,
			Issue: fmt.Sprintf("likely N+1 pattern: %d executions averaging %s each",
				stat.Count, stat.AverageTime),
			Recommendation: "batch the per-item lookups into one multi-key query or restructure as a join",
			Impact:         ImpactHigh,
		})
	}

	if stat != nil && stat.AverageTime > a.slowAvg {
		findings = append(findings, Finding{
			Signature: signature,
			Category:  CategorySlowQuery,
			Issue: fmt.Sprintf("slow query: average %s over %d executions",
				stat.AverageTime, stat.Count),
			Recommendation: "add an index for the access path or restructure the query",
			Impact:         ImpactHigh,
		})
	}

	if m := eqFilterRe.FindStringSubmatch(query); m != nil {
		column := strings.ToLower(m[1])
		rec := fmt.Sprintf("create an index on column %q", column)
		if fm := fromRe.FindStringSubmatch(query); fm != nil {
			rec = fmt.Sprintf("create an index on %s (%s)", strings.ToLower(fm[1]), column)
		}
		findings = append(findings, Finding{
			Signature:      signature,
			Category:       CategoryIndex,
			Issue:          fmt.Sprintf("equality filter on %q is an index candidate", column),
			Recommendation: rec,
			Impact:         ImpactMedium,
		})
	}

	return findings
}

// RecommendIndexes aggregates the index-creation recommendations across
// many stats, deduplicated in first-seen order. Signatures are analyzed as
// query text.
func (a *Advisor) RecommendIndexes(stats []monitor.QueryStat) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range stats {
		for _, f := range a.Analyze(s.Signature, &s) {
			if f.Category != CategoryIndex {
				continue
			}
			if _, dup := seen[f.Recommendation]; dup {
				continue
			}
			seen[f.Recommendation] = struct{}{}
			out = append(out, f.Recommendation)
		}
	}
	return out
}
