package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"admission/pkg/category"
	"admission/pkg/config"
)

type classification struct {
	Method     string             `json:"method"`
	Path       string             `json:"path"`
	Category   category.Category  `json:"category"`
	Operation  category.Operation `json:"operation"`
	FailClosed bool               `json:"fail_closed"`
	Limit      int                `json:"limit"`
	CostLimit  int                `json:"cost_limit"`
	Window     string             `json:"window"`
}

func loadPolicy(path string) (config.File, error) {
	if strings.TrimSpace(path) == "" {
		return config.File{}, nil
	}
	return config.Load(path)
}

func newClassifyCmd() *cobra.Command {
	var (
		configPath    string
		authenticated bool
	)
	cmd := &cobra.Command{
		Use:   "classify METHOD PATH",
		Short: "Show the category and limits a request would get",
		Example: `  admissionctl classify GET /api/v1/patients/42/records --authenticated
  admissionctl classify POST /crisis/escalate --config admission.yaml`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := loadPolicy(configPath)
			if err != nil {
				return err
			}
			rules := f.Classifier
			if len(rules) == 0 {
				rules = category.DefaultRules()
			}
			cl, err := category.NewClassifier(rules)
			if err != nil {
				return err
			}
			method := strings.ToUpper(args[0])
			c := cl.Classify(method, args[1], authenticated)
			limits := category.DefaultTable().Merge(f.Limits).Get(c)
			return printJSON(cmd.OutOrStdout(), classification{
				Method:     method,
				Path:       args[1],
				Category:   c,
				Operation:  category.OperationOf(method, args[1], c),
				FailClosed: c.FailClosed(),
				Limit:      limits.For(authenticated),
				CostLimit:  limits.EffectiveCostLimit(),
				Window:     limits.Window.String(),
			})
		},
	}
	cmd.Flags().StringVar(&configPath, "config", os.Getenv("ADMISSION_CONFIG"), "policy file; built-in defaults when empty")
	cmd.Flags().BoolVar(&authenticated, "authenticated", false, "classify as an authenticated caller")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with policy files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check FILE",
		Short: "Validate a policy file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := config.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d classifier rules, %d limit overrides, %d slos)\n",
				args[0], len(f.Classifier), len(f.Limits), len(f.SLOs))
			return nil
		},
	})
	return cmd
}
