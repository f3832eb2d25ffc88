package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func buildAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit ring of a running gateway serve process",
	}
	cmd.AddCommand(buildAuditExportCmd())
	return cmd
}

func buildAuditExportCmd() *cobra.Command {
	var adminAddr, format, roleID, tool, outcome, output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export audit entries from a running gateway's admin surface",
		Long: `export reads the bounded in-memory audit ring of a running
"gateway serve" process over its loopback admin HTTP surface. The ring
is never written to disk by the serving process itself (spec.md §1
non-goals), so exporting it always requires the process to be up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			query.Set("format", format)
			if roleID != "" {
				query.Set("roleId", roleID)
			}
			if tool != "" {
				query.Set("tool", tool)
			}
			if outcome != "" {
				query.Set("outcome", outcome)
			}
			u := url.URL{Scheme: "http", Host: adminAddr, Path: "/audit", RawQuery: query.Encode()}

			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Get(u.String())
			if err != nil {
				return fmt.Errorf("reach admin surface at %s: %w", adminAddr, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("audit export failed: %s: %s", resp.Status, string(body))
			}

			dest := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create %s: %w", output, err)
				}
				defer f.Close()
				dest = f
			}
			_, err = io.Copy(dest, resp.Body)
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&adminAddr, "admin-addr", "127.0.0.1:9090", "admin surface address of the running gateway")
	flags.StringVar(&format, "format", "json", "export format: json or csv")
	flags.StringVar(&roleID, "role-id", "", "filter by role id")
	flags.StringVar(&tool, "tool", "", "filter by tool name")
	flags.StringVar(&outcome, "outcome", "", "filter by outcome: allowed, denied, error")
	flags.StringVar(&output, "output", "", "write to this file instead of stdout")
	return cmd
}
