// Command policyctl evaluates funding decisions and checks strategy files
// offline, without a database.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/loancast/fundingpolicy/guards"
	"github.com/loancast/fundingpolicy/policy"
)

// errRejected signals a reject decision under --fail-on-reject
var errRejected = errors.New("loan rejected")

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "policyctl",
		Short:         "Inspect LoanCast funding policy decisions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newEvaluateCmd(), newStrategyCmd(), newGuardCmd())
	return root
}

func newEvaluateCmd() *cobra.Command {
	var loanPath, ctxPath, now string
	var failOnReject bool

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a loan against a lender context",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var loan policy.Loan
			if err := readJSON(loanPath, &loan); err != nil {
				return fmt.Errorf("loan: %w", err)
			}
			var pctx policy.Context
			if err := readJSON(ctxPath, &pctx); err != nil {
				return fmt.Errorf("context: %w", err)
			}

			var clock policy.Clock = policy.SystemClock{}
			if now != "" {
				t, err := time.Parse(time.RFC3339, now)
				if err != nil {
					return fmt.Errorf("invalid --now: %w", err)
				}
				clock = policy.FixedClock(t)
			}

			d := policy.NewEvaluator(clock).Evaluate(loan, pctx)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(d); err != nil {
				return err
			}
			if failOnReject && !d.OK {
				return errRejected
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&loanPath, "loan", "", "Loan JSON file")
	cmd.Flags().StringVar(&ctxPath, "context", "", "Lender context JSON file")
	cmd.Flags().StringVar(&now, "now", "", "Evaluation time (RFC3339), defaults to the current time")
	cmd.Flags().BoolVar(&failOnReject, "fail-on-reject", false, "Exit non-zero when the loan is rejected")
	_ = cmd.MarkFlagRequired("loan")
	_ = cmd.MarkFlagRequired("context")
	return cmd
}

func newStrategyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strategy",
		Short: "Work with lender strategy files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate FILE",
		Short: "Parse a YAML strategy and report invalid settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var s policy.Strategy
			if err := yaml.Unmarshal(data, &s); err != nil {
				return fmt.Errorf("failed to parse %s: %w", args[0], err)
			}
			if err := s.Validate(); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", args[0])
			return nil
		},
	})
	return cmd
}

func newGuardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "guard",
		Short: "Work with guard expressions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "compile EXPRESSION",
		Short: "Check that a guard expression compiles to a boolean",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := guards.NewEnv()
			if err != nil {
				return err
			}
			en, err := guards.NewEngine(context.Background(), env, guards.NewInMemoryGuardStore(), "policyctl")
			if err != nil {
				return err
			}
			if _, err := en.Compile(args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	})
	return cmd
}

func readJSON(path string, v any) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "policyctl:", err)
		os.Exit(1)
	}
}
