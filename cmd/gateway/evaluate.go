package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/client"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/gateway"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/scan"
	"github.com/spf13/cobra"
)

func defaultServerURL() string {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	return "http://localhost:" + port
}

// newEvaluateCmd submits scan reports to a running gateway. It exits 1 when
// the deployment is blocked, so a CI step can gate on it directly.
func newEvaluateCmd() *cobra.Command {
	var (
		serverURL   string
		appID       string
		environment string
		file        string
		initiatedBy string
		timeout     time.Duration
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Submit scan results to a running gateway and gate on the decision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if appID == "" || environment == "" {
				return errors.New("--app and --env are required")
			}
			var results []scan.RawResult
			if file != "" {
				var (
					data []byte
					err  error
				)
				if file == "-" {
					data, err = io.ReadAll(cmd.InOrStdin())
				} else {
					data, err = os.ReadFile(file)
				}
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &results); err != nil {
					return fmt.Errorf("parse scan results %s: %w", file, err)
				}
			}

			c := client.New(serverURL, client.WithTimeout(timeout), client.WithInitiatedBy(initiatedBy))
			summary, err := c.Evaluate(cmd.Context(), gateway.EvaluateRequest{
				ApplicationID: appID,
				Environment:   environment,
				ScanResults:   results,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if err := printJSON(out, summary); err != nil {
					return err
				}
			} else {
				verdict := "PASSED"
				if !summary.Passed {
					verdict = "BLOCKED"
				}
				n := summary.AggregatedCounts
				_, _ = fmt.Fprintf(out, "%s %s/%s (evaluation %s)\n", verdict, summary.ApplicationName, summary.Environment, summary.ID)
				_, _ = fmt.Fprintf(out, "findings: %d critical, %d high, %d medium, %d low\n", n.Critical, n.High, n.Medium, n.Low)
				for _, v := range summary.PolicyDecision.Violations {
					_, _ = fmt.Fprintf(out, "  [%s] %s: %s\n", v.Severity, v.Rule, v.Message)
				}
			}
			if !summary.Passed {
				return failed("deployment blocked by policy %s", summary.PolicyDecision.PolicyPackage)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "url", defaultServerURL(), "Gateway base URL")
	cmd.Flags().StringVar(&appID, "app", "", "Application id (REQUIRED)")
	cmd.Flags().StringVar(&environment, "env", "", "Environment name (REQUIRED)")
	cmd.Flags().StringVar(&file, "file", "", "JSON array of scan results, - for stdin")
	cmd.Flags().StringVar(&initiatedBy, "initiated-by", "cli", "Recorded as the initiator in the audit trail")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the summary as JSON")
	return cmd
}
