package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"admission/pkg/config"
	"admission/pkg/slo"
)

func withTimeout(opts *globalOptions, cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), opts.timeout)
}

func newListsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lists",
		Short: "Show or change the blacklist, whitelist and registered API keys",
	}
	show := &cobra.Command{
		Use:       "show blacklist|whitelist|api_keys",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"blacklist", "whitelist", "api_keys"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(opts, cmd)
			defer cancel()
			var out map[string]any
			if err := opts.client().Do(ctx, http.MethodGet, "/v1/admin/lists/"+args[0], nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	change := func(use, method, verb string) *cobra.Command {
		return &cobra.Command{
			Use:   use + " blacklist|whitelist|api_keys MEMBER...",
			Short: verb + " client identifiers",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := withTimeout(opts, cmd)
				defer cancel()
				body := map[string][]string{"members": args[1:]}
				if err := opts.client().Do(ctx, method, "/v1/admin/lists/"+args[0], body, nil); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d member(s) on %s\n", verb, len(args)-1, args[0])
				return nil
			},
		}
	}
	cmd.AddCommand(show, change("add", http.MethodPost, "added"), change("remove", http.MethodDelete, "removed"))
	return cmd
}

func newBypassCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bypass",
		Short: "Issue or revoke emergency bypass tokens",
	}
	var (
		category  string
		ttl       int
		singleUse bool
		reason    string
	)
	issue := &cobra.Command{
		Use:     "issue CLIENT_ID",
		Short:   "Issue a bypass token for one client",
		Example: `  admissionctl bypass issue user:oncall --ttl 900 --category CRISIS_INTERVENTION --reason "INC-4411"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(opts, cmd)
			defer cancel()
			body := map[string]any{
				"client_id":   args[0],
				"category":    category,
				"ttl_seconds": ttl,
				"single_use":  singleUse,
				"reason":      reason,
			}
			var out map[string]any
			if err := opts.client().Do(ctx, http.MethodPost, "/v1/admin/bypass", body, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	issue.Flags().StringVar(&category, "category", "*", "category the token covers (* for all)")
	issue.Flags().IntVar(&ttl, "ttl", 300, "token lifetime in seconds")
	issue.Flags().BoolVar(&singleUse, "single-use", false, "consume the token on first use")
	issue.Flags().StringVar(&reason, "reason", "", "why the bypass was issued")

	revoke := &cobra.Command{
		Use:   "revoke TOKEN",
		Short: "Revoke a bypass token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(opts, cmd)
			defer cancel()
			if err := opts.client().Do(ctx, http.MethodDelete, "/v1/admin/bypass/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "revoked")
			return nil
		},
	}
	cmd.AddCommand(issue, revoke)
	return cmd
}

func newQuotaCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Inspect usage or override per-client quotas",
	}
	get := &cobra.Command{
		Use:   "get CLIENT_ID CATEGORY",
		Short: "Show usage and limits for every period",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(opts, cmd)
			defer cancel()
			q := url.Values{"client_id": {args[0]}, "category": {args[1]}}
			var out map[string]any
			if err := opts.client().Do(ctx, http.MethodGet, "/v1/admin/quotas?"+q.Encode(), nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	var clear bool
	set := &cobra.Command{
		Use:     "set CLIENT_ID CATEGORY PERIOD [LIMIT]",
		Short:   "Override one quota limit",
		Example: "  admissionctl quota set key:partner-7 AUTHENTICATED daily 50000\n  admissionctl quota set key:partner-7 AUTHENTICATED daily --clear",
		Args:    cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			var limit int64 = -1
			if !clear {
				if len(args) != 4 {
					return fmt.Errorf("LIMIT required unless --clear is set")
				}
				if _, err := fmt.Sscan(args[3], &limit); err != nil || limit < 0 {
					return fmt.Errorf("LIMIT must be a non-negative integer, got %q", args[3])
				}
			}
			ctx, cancel := withTimeout(opts, cmd)
			defer cancel()
			body := map[string]any{"client_id": args[0], "category": args[1], "period": args[2], "limit": limit}
			if err := opts.client().Do(ctx, http.MethodPut, "/v1/admin/quotas", body, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "quota updated")
			return nil
		},
	}
	set.Flags().BoolVar(&clear, "clear", false, "remove the override and fall back to the category default")
	cmd.AddCommand(get, set)
	return cmd
}

func newBreakersCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breakers",
		Short: "List circuit breakers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(opts, cmd)
			defer cancel()
			var out map[string]any
			if err := opts.client().Do(ctx, http.MethodGet, "/v1/admin/breakers", nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reset ENDPOINT CATEGORY",
		Short: "Force a breaker back to CLOSED",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(opts, cmd)
			defer cancel()
			body := map[string]string{"endpoint": args[0], "category": args[1]}
			if err := opts.client().Do(ctx, http.MethodPost, "/v1/admin/breakers/reset", body, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "breaker reset")
			return nil
		},
	})
	return cmd
}

func newSLOsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slos",
		Short: "Show error budgets",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(opts, cmd)
			defer cancel()
			var out map[string]any
			if err := opts.client().Do(ctx, http.MethodGet, "/v1/admin/slos", nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "push FILE",
		Short: "Store SLO definitions from a YAML file for the next gateway start",
		Long: `FILE is either a full policy file with an slos section or a bare YAML list
of SLO definitions.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := readSLOs(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(opts, cmd)
			defer cancel()
			var out map[string]any
			if err := opts.client().Do(ctx, http.MethodPut, "/v1/admin/slos", defs, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	})
	return cmd
}

func readSLOs(path string) ([]slo.SLO, error) {
	// #nosec G304 -- operator-supplied path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var list []slo.SLO
	if err := yaml.Unmarshal(raw, &list); err != nil {
		f, perr := config.Parse(raw)
		if perr != nil {
			return nil, fmt.Errorf("%s: %w", path, perr)
		}
		list = f.SLOs
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%s: no SLO definitions", path)
	}
	for _, s := range list {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("%s: slo %q: %w", path, s.Name, err)
		}
	}
	return list, nil
}
