package executor

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/autovant/rca/pkg/rcapi"
)

// RegisterBuiltins installs the analysis pipelines this worker ships with.
// Job types map 1:1 to the capabilities the worker registers.
func RegisterBuiltins(e *Executor) {
	e.Register("analysis", Pipeline{Stages: []Stage{
		{Name: "collect", Run: collectStage},
		{Name: "parse", Run: parseStage},
		{Name: "embedding", Run: embeddingStage},
		{Name: "correlate", Run: correlateStage},
		{Name: "report", Run: reportStage},
	}})
	e.Register("log_scan", Pipeline{Stages: []Stage{
		{Name: "collect", Run: collectStage},
		{Name: "parse", Run: parseStage},
		{Name: "report", Run: reportStage},
	}})
	e.Register("report", Pipeline{Stages: []Stage{
		{Name: "collect", Run: collectStage},
		{Name: "report", Run: reportStage},
	}})
}

// collectStage pulls the raw log lines out of the manifest.
func collectStage(_ context.Context, a rcapi.Assignment, _ map[string]interface{}) (map[string]interface{}, error) {
	raw, ok := a.Manifest["logs"]
	if !ok {
		return nil, &StageError{Type: "validation", Err: fmt.Errorf("manifest has no logs")}
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, &StageError{Type: "validation", Err: fmt.Errorf("manifest logs must be a list, got %T", raw)}
	}
	lines := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && strings.TrimSpace(s) != "" {
			lines = append(lines, s)
		}
	}
	if len(lines) == 0 {
		return nil, &StageError{Type: "validation", Err: fmt.Errorf("manifest logs are empty")}
	}
	return map[string]interface{}{"lines": lines, "line_count": len(lines)}, nil
}

// parseStage splits lines into error and non-error populations and derives a
// signature per error line: the line with digits and hex runs blanked out,
// so repeated instances of the same failure collapse together.
func parseStage(_ context.Context, _ rcapi.Assignment, carry map[string]interface{}) (map[string]interface{}, error) {
	lines := carriedLines(carry["lines"])
	errorLines := make([]string, 0)
	signatures := make(map[string]int)
	for _, line := range lines {
		lower := strings.ToLower(line)
		if !strings.Contains(lower, "error") && !strings.Contains(lower, "fail") && !strings.Contains(lower, "panic") {
			continue
		}
		errorLines = append(errorLines, line)
		signatures[signature(line)]++
	}
	return map[string]interface{}{
		"error_lines": errorLines,
		"error_count": len(errorLines),
		"signatures":  signatures,
	}, nil
}

// embeddingStage buckets signatures into clusters by a coarse token hash.
// Signatures sharing most tokens land in the same cluster.
func embeddingStage(_ context.Context, _ rcapi.Assignment, carry map[string]interface{}) (map[string]interface{}, error) {
	signatures := carriedCounts(carry["signatures"])
	clusters := make(map[string]int)
	for sig, n := range signatures {
		clusters[clusterKey(sig)] += n
	}
	return map[string]interface{}{"clusters": clusters}, nil
}

// correlateStage ranks clusters by occurrence and names the dominant one the
// root-cause candidate.
func correlateStage(_ context.Context, _ rcapi.Assignment, carry map[string]interface{}) (map[string]interface{}, error) {
	clusters := carriedCounts(carry["clusters"])
	type ranked struct {
		key   string
		count int
	}
	order := make([]ranked, 0, len(clusters))
	for k, n := range clusters {
		order = append(order, ranked{key: k, count: n})
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].count != order[j].count {
			return order[i].count > order[j].count
		}
		return order[i].key < order[j].key
	})
	out := map[string]interface{}{"cluster_count": len(order)}
	if len(order) > 0 {
		out["root_cause_candidate"] = order[0].key
		out["root_cause_occurrences"] = order[0].count
	}
	return out, nil
}

// reportStage folds the accumulated findings into the result document.
func reportStage(_ context.Context, a rcapi.Assignment, carry map[string]interface{}) (map[string]interface{}, error) {
	total := carriedInt(carry["line_count"])
	errs := carriedInt(carry["error_count"])
	severity := "low"
	if total > 0 {
		ratio := float64(errs) / float64(total)
		switch {
		case ratio >= 0.5:
			severity = "critical"
		case ratio >= 0.2:
			severity = "high"
		case ratio >= 0.05:
			severity = "medium"
		}
	}
	summary := fmt.Sprintf("%d of %d lines indicate failure", errs, total)
	if cand, ok := carry["root_cause_candidate"].(string); ok {
		summary += ", dominant signature: " + cand
	}
	return map[string]interface{}{
		"job_type": a.Type,
		"severity": severity,
		"summary":  summary,
	}, nil
}

// signature normalizes a log line: digit runs become '#' so timestamps,
// ids and addresses do not split otherwise identical failures.
func signature(line string) string {
	var b strings.Builder
	lastHash := false
	for _, r := range strings.ToLower(strings.TrimSpace(line)) {
		if r >= '0' && r <= '9' {
			if !lastHash {
				b.WriteByte('#')
				lastHash = true
			}
			continue
		}
		lastHash = false
		b.WriteRune(r)
	}
	return b.String()
}

// Carried values arrive either directly from the prior stage or after a JSON
// round trip through the checkpoint store; both shapes must decode.

func carriedLines(v interface{}) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []interface{}:
		out := make([]string, 0, len(x))
		for _, it := range x {
			if s, ok := it.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func carriedCounts(v interface{}) map[string]int {
	switch x := v.(type) {
	case map[string]int:
		return x
	case map[string]interface{}:
		out := make(map[string]int, len(x))
		for k, n := range x {
			out[k] = carriedInt(n)
		}
		return out
	default:
		return nil
	}
}

func carriedInt(v interface{}) int {
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	default:
		return 0
	}
}

func clusterKey(sig string) string {
	tokens := strings.Fields(sig)
	if len(tokens) > 4 {
		tokens = tokens[:4]
	}
	h := fnv.New32a()
	for _, t := range tokens {
		h.Write([]byte(t))
		h.Write([]byte{' '})
	}
	return fmt.Sprintf("%s [%08x]", strings.Join(tokens, " "), h.Sum32())
}
