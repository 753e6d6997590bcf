// Package aggregator computes pass@1, pass@k, pass^k, and token/cost
// totals over several runs' on-disk meta.json files (spec.md §4.7). It is
// a pure function of what is on disk: re-aggregating the same result
// directory twice yields the same RunSummary (spec.md §8 "Aggregator
// summary is a pure function of on-disk meta.json files").
package aggregator

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/mcpmark/mcpmark/internal/resultstore"
)

// PricingFunc resolves a model short name to its per-million-token input
// and output price, mirroring config.ModelCatalog.Pricing without this
// package depending on internal/config.
type PricingFunc func(model string) (inputPerMTok, outputPerMTok float64, ok bool)

// runResults is one run's task_name -> TaskResult map, read from one
// <exp_name>/ directory's meta.json files.
type runResults map[string]resultstore.TaskResult

// Aggregate scans baseDir for up to k run subdirectories named "run_1"
// through "run_<k>" (the exp_name convention this harness uses for
// repeated runs of the same model/service pair) and computes the
// cross-run RunSummary. Missing run directories are tolerated: actual
// run count is len(runs found), used everywhere instead of k.
func Aggregate(baseDir string, k int, model string, pricing PricingFunc) (resultstore.Summary, error) {
	var runs []runResults
	var actualModel string

	for i := 1; i <= k; i++ {
		runDir := filepath.Join(baseDir, fmt.Sprintf("run_%d", i))
		results, found, err := readRun(runDir)
		if err != nil {
			return resultstore.Summary{}, fmt.Errorf("aggregator: read run %s: %w", runDir, err)
		}
		if !found {
			continue
		}
		runs = append(runs, results)
		for _, r := range results {
			if r.ActualModelName != "" {
				actualModel = r.ActualModelName
			}
		}
	}

	actualRuns := len(runs)
	if actualRuns == 0 {
		return resultstore.Summary{Model: model, Runs: 0}, nil
	}

	taskNames := unionTaskNames(runs)
	totalTasks := len(taskNames)

	pass1PerRun := make([]float64, actualRuns)
	for i, run := range runs {
		successes := 0
		for _, r := range run {
			if r.ExecutionResult.Success {
				successes++
			}
		}
		if totalTasks > 0 {
			pass1PerRun[i] = round4(float64(successes) / float64(totalTasks))
		}
	}

	passAtK, passCaretK := passK(runs, taskNames)

	totals := map[string]any{"in": 0, "out": 0, "total": 0, "reasoning": 0}
	var costTotal float64
	costKnown := false
	for _, run := range runs {
		for _, r := range run {
			totals["in"] = totals["in"].(int) + r.TokenUsage.In
			totals["out"] = totals["out"].(int) + r.TokenUsage.Out
			totals["total"] = totals["total"].(int) + r.TokenUsage.Total
			totals["reasoning"] = totals["reasoning"].(int) + r.TokenUsage.Reasoning

			if inPrice, outPrice, ok := pricing(model); ok {
				costKnown = true
				costTotal += float64(r.TokenUsage.In)/1_000_000*inPrice + float64(r.TokenUsage.Out)/1_000_000*outPrice
			}
		}
	}

	averages := map[string]any{
		"in":    float64(totals["in"].(int)) / float64(actualRuns),
		"out":   float64(totals["out"].(int)) / float64(actualRuns),
		"total": float64(totals["total"].(int)) / float64(actualRuns),
	}

	summary := resultstore.Summary{
		Model:       model,
		ActualModel: actualModel,
		Runs:        actualRuns,
		TotalTasks:  totalTasks,
		Pass1: resultstore.Pass1Stats{
			Avg:    round4(mean(pass1PerRun)),
			Std:    round4(stddev(pass1PerRun)),
			PerRun: pass1PerRun,
		},
		PassAtK:    float64Ptr(round4(passAtK)),
		PassCaretK: float64Ptr(round4(passCaretK)),
		Totals:     totals,
		Averages:   averages,
	}
	if costKnown {
		perRunCost := round4(costTotal / float64(actualRuns))
		summary.PerRunCost = &perRunCost
	}
	return summary, nil
}

// readRun loads every meta.json under runDir/<category>__<task>/. A
// missing runDir is reported via found=false, not an error.
func readRun(runDir string) (runResults, bool, error) {
	store := resultstore.Store{Root: runDir}
	names, err := store.ListTaskNames()
	if err != nil {
		return nil, false, err
	}
	if len(names) == 0 {
		if _, err := os.Stat(runDir); os.IsNotExist(err) {
			return nil, false, nil
		}
	}

	results := runResults{}
	for _, name := range names {
		r, err := store.ReadMeta(name)
		if err != nil || r == nil {
			continue
		}
		results[name] = *r
	}
	return results, true, nil
}

func unionTaskNames(runs []runResults) []string {
	seen := map[string]bool{}
	for _, run := range runs {
		for name := range run {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// passK computes pass@k (at least one of the runs that have data for a
// task succeeded) and pass^k (every run that has data for a task
// succeeded), over the union of task names across all runs.
func passK(runs []runResults, taskNames []string) (passAtK, passCaretK float64) {
	if len(taskNames) == 0 {
		return 0, 0
	}
	atLeastOne, all := 0, 0
	for _, name := range taskNames {
		found := 0
		succeeded := 0
		for _, run := range runs {
			r, ok := run[name]
			if !ok {
				continue
			}
			found++
			if r.ExecutionResult.Success {
				succeeded++
			}
		}
		if found == 0 {
			continue
		}
		if succeeded > 0 {
			atLeastOne++
		}
		if succeeded == found {
			all++
		}
	}
	return float64(atLeastOne) / float64(len(taskNames)), float64(all) / float64(len(taskNames))
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sumSq float64
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)))
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}

func float64Ptr(f float64) *float64 {
	return &f
}
