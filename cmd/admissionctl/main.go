// Command admissionctl drives the gateway admin API and inspects local
// admission policy files.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"admission/pkg/httpx"
)

var osExit = os.Exit

func main() {
	if err := newRootCmd().Execute(); err != nil {
		osExit(1)
	}
}

type globalOptions struct {
	server     string
	adminToken string
	bearer     string
	timeout    time.Duration
	httpClient *http.Client
}

func (o *globalOptions) client() *httpx.Client {
	return &httpx.Client{
		BaseURL:    o.server,
		AdminToken: o.adminToken,
		Token:      o.bearer,
		HTTP:       o.httpClient,
		Retries:    2,
		RetryDelay: 200 * time.Millisecond,
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	return newRootCmdWith(opts)
}

func newRootCmdWith(opts *globalOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "admissionctl",
		Short: "Operate the admission gateway",
		Long: `admissionctl manages access lists, bypass tokens, quotas, circuit breakers
and SLO definitions through the gateway admin API. The classify and config
commands work offline against a policy file.`,
		SilenceUsage: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr("ADMISSION_URL", "http://localhost:8080"), "gateway base URL")
	flags.StringVar(&opts.adminToken, "admin-token", os.Getenv("ADMIN_TOKEN"), "static admin token (X-Admin-Token)")
	flags.StringVar(&opts.bearer, "bearer", os.Getenv("ADMISSION_BEARER"), "JWT sent as a bearer token")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		newListsCmd(opts),
		newBypassCmd(opts),
		newQuotaCmd(opts),
		newBreakersCmd(opts),
		newSLOsCmd(opts),
		newClassifyCmd(),
		newConfigCmd(),
		newTailCmd(),
	)
	return root
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
