package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nevenhsu/llmbook-sub003/internal/eval"
)

// errGateFailed exits non-zero without printing a second error line.
var errGateFailed = errors.New("regression gate failed")

type result struct {
	Report eval.Report     `json:"report"`
	Gate   eval.GateResult `json:"gate"`
}

func main() {
	var datasetPath, baselinePath, candidatePath, rulesPath string

	cmd := &cobra.Command{
		Use:           "evaluate",
		Short:         "Replay a labeled dataset under two variants and apply the regression gate",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.OutOrStdout(), datasetPath, baselinePath, candidatePath, rulesPath)
		},
	}
	cmd.Flags().StringVar(&datasetPath, "dataset", "", "dataset file (json or yaml)")
	cmd.Flags().StringVar(&baselinePath, "baseline", "", "baseline variant file")
	cmd.Flags().StringVar(&candidatePath, "candidate", "", "candidate variant file")
	cmd.Flags().StringVar(&rulesPath, "rules", "", "gate rules file; built-in rules when empty")
	for _, f := range []string{"dataset", "baseline", "candidate"} {
		_ = cmd.MarkFlagRequired(f)
	}

	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, errGateFailed) {
			slog.Error("evaluation failed", "error", err)
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func run(w io.Writer, datasetPath, baselinePath, candidatePath, rulesPath string) error {
	ds, err := eval.LoadDataset(datasetPath)
	if err != nil {
		return err
	}
	baseline, err := eval.LoadVariant(baselinePath)
	if err != nil {
		return err
	}
	candidate, err := eval.LoadVariant(candidatePath)
	if err != nil {
		return err
	}
	rules := eval.DefaultRules()
	if rulesPath != "" {
		if rules, err = eval.LoadRules(rulesPath); err != nil {
			return err
		}
	}

	report := eval.RunReplay(*ds, *baseline, *candidate)
	gate := eval.EvaluateRegressionGate(report.Baseline.Metrics, report.Candidate.Metrics, rules)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result{Report: report, Gate: gate}); err != nil {
		return err
	}
	if !gate.Passed {
		return errGateFailed
	}
	return nil
}
