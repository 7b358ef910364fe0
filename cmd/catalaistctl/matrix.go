package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/catalaist/internal/domain"
	"github.com/ashureev/catalaist/internal/matrix"
	"github.com/spf13/cobra"
)

func newMatrixCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "matrix",
		Short: "Validate and dry-run decision matrix files",
	}
	cmd.AddCommand(newMatrixValidateCmd(), newMatrixEvaluateCmd())
	return cmd
}

func newMatrixValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file...]",
		Short: "Check decision matrix files (YAML or JSON)",
		Long:  `Parses and validates each file, then prints lint findings. Exits non-zero when any file is invalid.`,
		Args:  cobra.MinimumNArgs(1),
		RunE:  runMatrixValidate,
	}
}

func runMatrixValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	failed := 0
	for _, path := range args {
		m, err := matrix.Load(path)
		if err != nil {
			fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
			failed++
			continue
		}
		fmt.Fprintf(out, "ok   %s (version %s, %d rules, %d attributes)\n", path, m.Version, len(m.Rules), len(m.Attributes))
		for _, finding := range m.Lint() {
			fmt.Fprintf(out, "     warning: %s\n", finding)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d matrix files invalid", failed, len(args))
	}
	return nil
}

func newMatrixEvaluateCmd() *cobra.Command {
	var (
		file       string
		category   string
		confidence float64
		attrs      map[string]string
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Apply a decision matrix to a classification without storing anything",
		Example: `  catalaistctl matrix evaluate --category RPA --confidence 0.8 \
    --attr frequency=rare --attr business_value=low`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m := matrix.Default()
			if file != "" {
				loaded, err := matrix.Load(file)
				if err != nil {
					return err
				}
				m = loaded
			}
			cat, ok := domain.ParseCategory(category)
			if !ok || cat == domain.CategoryUnassigned {
				return fmt.Errorf("unknown category %q", category)
			}
			if confidence < 0 || confidence > 1 {
				return errors.New("confidence must be between 0 and 1")
			}

			outcome := matrix.NewEvaluator(nil).Evaluate(m, matrix.Input{
				Category:   cat,
				Confidence: confidence,
				Attributes: attrs,
			})
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(outcome)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "matrix file (default: built-in matrix)")
	cmd.Flags().StringVarP(&category, "category", "c", "", "proposed category")
	cmd.Flags().Float64Var(&confidence, "confidence", 0.5, "proposed confidence between 0 and 1")
	cmd.Flags().StringToStringVarP(&attrs, "attr", "a", nil, "process attribute as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}
