// Command guardctl inspects content guard audit data and policies offline.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"

	"content_assurance/internal/audit"
	"content_assurance/internal/enforce"
	"content_assurance/internal/model"
	"content_assurance/internal/policy"
	"content_assurance/internal/privacy"
	"content_assurance/internal/scoring"
)

func main() {
	root := &cobra.Command{
		Use:           "guardctl",
		Short:         "Content guard operator tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newVerifyCmd(),
		newCheckCmd(),
		newRecentCmd(),
		newUsersCmd(),
		newPolicyCmd(),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newVerifyCmd() *cobra.Command {
	var dataDir string
	var batch int
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain and Merkle roots in a data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, roots := audit.FilePaths(dataDir)
			report := audit.VerifyFile(entries, roots, batch)
			if report.OK {
				fmt.Printf("OK: %d entries, last id=%d, roots checked=%d\n",
					report.Total, report.LastID, report.RootsChecked)
				return nil
			}
			for _, e := range report.Errors {
				fmt.Fprintf(os.Stderr, "  FAIL  %s\n", e)
			}
			fmt.Println("VERIFICATION FAILED")
			os.Exit(2)
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data", "./data", "audit data directory")
	cmd.Flags().IntVar(&batch, "batch", 100, "Merkle batch size the data was written with")
	return cmd
}

type sampleFile struct {
	Input   string            `json:"input"`
	Output  string            `json:"output"`
	Context map[string]string `json:"context"`
	UserID  string            `json:"user_id"`
}

func newCheckCmd() *cobra.Command {
	var policyPath string
	var explain bool
	cmd := &cobra.Command{
		Use:   "check <sample.json>",
		Short: "Evaluate one sample against a policy without recording it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap := policy.Default()
			if policyPath != "" {
				var err error
				if snap, err = policy.LoadFile(policyPath); err != nil {
					return err
				}
			}
			sample, err := readSample(args[0])
			if err != nil {
				return err
			}
			res := enforce.NewEnforcer().Enforce(model.ContentSample{
				InputText:  sample.Input,
				OutputText: sample.Output,
				Context:    sample.Context,
				UserID:     sample.UserID,
			}, snap)
			if !explain {
				return printJSON(res)
			}
			breakdown, err := scoring.New().ScoreDetailed(sample.Output, sample.Context, snap)
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{
				"result":  res,
				"matches": breakdown.Matches,
				"exempt":  breakdown.Exempt,
			})
		},
	}
	cmd.Flags().StringVar(&policyPath, "policy", "", "policy document (default: built-in policy)")
	cmd.Flags().BoolVar(&explain, "explain", false, "include the patterns each dimension matched")
	return cmd
}

// readSample accepts hand-written sample files with trailing commas, single
// quotes and similar slips.
func readSample(path string) (sampleFile, error) {
	var s sampleFile
	raw, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("reading sample: %w", err)
	}
	repaired, err := jsonrepair.JSONRepair(string(raw))
	if err != nil {
		return s, fmt.Errorf("repairing sample: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &s); err != nil {
		return s, fmt.Errorf("decoding sample: %w", err)
	}
	return s, nil
}

func newRecentCmd() *cobra.Command {
	var dataDir, format string
	var limit int
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Print the newest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := audit.ReadTail(context.Background(), dataDir, limit)
			if err != nil {
				return err
			}
			return writeEntries(cmd.OutOrStdout(), entries, format)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data", "./data", "audit data directory")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries")
	cmd.Flags().StringVar(&format, "format", "json", "json or csv")
	return cmd
}

func newUsersCmd() *cobra.Command {
	var dataDir string
	var windowHours, k int
	var epsilon float64
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Print k-anonymous, noised per-user counts of non-allow decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if windowHours < 1 {
				return fmt.Errorf("--window-hours must be at least 1")
			}
			entriesPath, _ := audit.FilePaths(dataDir)
			window := time.Duration(windowHours) * time.Hour
			counts, err := privacy.FileUserCounts(entriesPath, window, time.Now().UTC())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), privacy.SummarizeUserCounts(counts, k, epsilon, 0, windowHours))
		},
	}
	cmd.Flags().StringVar(&dataDir, "data", "./data", "audit data directory")
	cmd.Flags().IntVar(&windowHours, "window-hours", 24, "look-back window")
	cmd.Flags().IntVar(&k, "k", 5, "minimum group size before a user is reported")
	cmd.Flags().Float64Var(&epsilon, "epsilon", 0.7, "Laplace noise budget")
	return cmd
}

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Policy document tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Check that a policy document loads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := policy.LoadFile(args[0])
			if err != nil {
				return err
			}
			enabled := 0
			for _, r := range snap.Rules {
				if r.Enabled {
					enabled++
				}
			}
			fmt.Printf("OK: version=%s checksum=%s rules=%d (%d enabled) fail_closed=%v\n",
				snap.Version, snap.Checksum[:12], len(snap.Rules), enabled, snap.FailClosed)
			return nil
		},
	})
	return cmd
}

func writeEntries(w io.Writer, entries []audit.Entry, format string) error {
	switch strings.ToLower(format) {
	case "csv":
		return audit.WriteCSV(w, entries)
	case "json":
		return writeJSON(w, entries)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func printJSON(v interface{}) error {
	return writeJSON(os.Stdout, v)
}

func writeJSON(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(pretty.Pretty(data))
	return err
}
