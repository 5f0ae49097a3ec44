// Command digestctl is the operator CLI for the delivery engine's admin API.
//
//	digestctl status
//	digestctl test-send u_123
//	digestctl tick --at 2026-03-14T07:00:00Z
//	digestctl sweep
//	digestctl cancel <job-id>
//	digestctl reactivate u_123
//
// The API address and key come from --addr/--key or DIGESTCTL_ADDR and
// ADMIN_API_KEY.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func buildRootCommand() *cobra.Command {
	var (
		addr    string
		key     string
		timeout time.Duration
	)

	root := &cobra.Command{
		Use:          "digestctl",
		Short:        "Operate the digest delivery engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&addr, "addr", envOr("DIGESTCTL_ADDR", "http://localhost:8080"), "admin API base URL")
	root.PersistentFlags().StringVar(&key, "key", os.Getenv("ADMIN_API_KEY"), "admin API key")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	client := func() (*adminClient, error) {
		if key == "" {
			return nil, fmt.Errorf("admin key required: pass --key or set ADMIN_API_KEY")
		}
		return newAdminClient(addr, key, timeout), nil
	}

	root.AddCommand(
		simpleCommand("status", "Show queue depth, live workers and the last runs", 0, client,
			func(args []string) (string, string, any) { return http.MethodGet, "/v1/admin/status", nil }),
		simpleCommand("test-send <user_id>", "Enqueue a test digest for a user", 1, client,
			func(args []string) (string, string, any) {
				return http.MethodPost, "/v1/admin/digests/test", map[string]string{"user_id": args[0]}
			}),
		simpleCommand("sweep", "Suspend accounts whose grace period has ended", 0, client,
			func(args []string) (string, string, any) {
				return http.MethodPost, "/v1/admin/sweeps/grace-period", nil
			}),
		simpleCommand("cancel <job_id>", "Cancel a pending or retrying job", 1, client,
			func(args []string) (string, string, any) {
				return http.MethodPost, "/v1/admin/jobs/" + url.PathEscape(args[0]) + "/cancel", nil
			}),
		simpleCommand("reactivate <user_id>", "Reactivate a suspended account", 1, client,
			func(args []string) (string, string, any) {
				return http.MethodPost, "/v1/admin/subscriptions/" + url.PathEscape(args[0]) + "/reactivate", nil
			}),
		buildTickCommand(client),
	)
	return root
}

type requestFunc func(args []string) (method, path string, body any)

func simpleCommand(use, short string, nargs int, client func() (*adminClient, error), req requestFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			method, path, body := req(args)
			data, err := c.do(cmd.Context(), method, path, body)
			if err != nil {
				return err
			}
			return printJSON(cmd, data)
		},
	}
}

func buildTickCommand(client func() (*adminClient, error)) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run the digest trigger for an hour (default: now)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var body any
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC 3339: %w", err)
				}
				body = map[string]time.Time{"at": t}
			}
			c, err := client()
			if err != nil {
				return err
			}
			data, err := c.do(cmd.Context(), http.MethodPost, "/v1/admin/ticks", body)
			if err != nil {
				return err
			}
			return printJSON(cmd, data)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "reference time, RFC 3339")
	return cmd
}

func printJSON(cmd *cobra.Command, data json.RawMessage) error {
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		return fmt.Errorf("formatting response: %w", err)
	}
	out.WriteByte('\n')
	_, err := cmd.OutOrStdout().Write(out.Bytes())
	return err
}
