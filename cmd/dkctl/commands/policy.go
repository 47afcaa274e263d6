package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/domainkernel/domainkernel/pkg/engine"
	"github.com/domainkernel/domainkernel/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and test authorization policies",
		Long: `Authorization policies are Rego modules evaluated for every operation
before it reaches the model stage. Built-in policies ship with dkctl; the
settings' policies directory adds more.`,
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyEvalCommand())

	return cmd
}

func loadPolicyEngine(ctx context.Context, process engine.ProcessType) (*policy.Engine, error) {
	e, err := policy.NewEngine(log.Logger, policy.Options{
		Context: policy.Context{Process: string(process), Environment: settings.Environment},
	})
	if err != nil {
		return nil, err
	}
	if settings.Policies != "" {
		if err := e.LoadPolicies(ctx, []string{settings.Policies}); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadPolicyEngine(cmd.Context(), engine.ProcessDomain)
			if err != nil {
				return err
			}
			policies := e.ListPolicies()
			if jsonOutput {
				return printJSON(policies)
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSEVERITY\tENABLED\tSOURCE\tDESCRIPTION")
			for _, p := range policies {
				source := p.Source
				if p.Builtin {
					source = "builtin"
				}
				fmt.Fprintf(tw, "%s\t%s\t%v\t%s\t%s\n", p.Name, p.Severity, p.Enabled, source, p.Description)
			}
			return tw.Flush()
		},
	}
}

func newPolicyEvalCommand() *cobra.Command {
	var (
		opsFile string
		process string
		env     string
	)

	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate operations against the policies",
		Long: `Evaluate each operation of a file against the loaded policies without
applying anything, and print the decision.`,
		Example: `  # Would these operations pass in production?
  dkctl policy eval -f ops.json --environment production`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := readOperations(opsFile, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if env != "" {
				settings.Environment = env
			}
			e, err := loadPolicyEngine(cmd.Context(), engine.ProcessType(process))
			if err != nil {
				return err
			}

			pctx := policy.Context{Process: process, Environment: settings.Environment}
			denied := 0
			decisions := make([]*policy.Decision, 0, len(ops))
			for _, op := range ops {
				d, err := e.Evaluate(cmd.Context(), policy.NewInput(op, pctx))
				if err != nil {
					return err
				}
				decisions = append(decisions, d)
				if !d.Allowed {
					denied++
				}
			}

			if jsonOutput {
				if err := printJSON(decisions); err != nil {
					return err
				}
			} else {
				for i, d := range decisions {
					verdict := "allowed"
					if !d.Allowed {
						verdict = "denied"
					}
					fmt.Printf("%s %s: %s\n", ops[i].Kind, ops[i].Address, verdict)
					for _, v := range d.Violations {
						fmt.Printf("  [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
					}
					for _, v := range d.Warnings {
						fmt.Printf("  [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
					}
				}
			}
			if denied > 0 {
				return fmt.Errorf("%d of %d operations denied", denied, len(ops))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&opsFile, "file", "f", "", "operations file, - for stdin")
	cmd.Flags().StringVar(&process, "process", string(engine.ProcessDomain), "process type, domain or server")
	cmd.Flags().StringVar(&env, "environment", "", "deployment environment (default from settings)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
