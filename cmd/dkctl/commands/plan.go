package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/domainkernel/domainkernel/pkg/config"
	"github.com/domainkernel/domainkernel/pkg/domain"
	"github.com/domainkernel/domainkernel/pkg/rollout"
)

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Work with rollout plan documents",
	}

	cmd.AddCommand(newPlanValidateCommand())
	cmd.AddCommand(newPlanShowCommand())

	return cmd
}

func newPlanValidateCommand() *cobra.Command {
	var checkTopology bool

	cmd := &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate rollout plan documents",
		Long: `Validate rollout plan documents, JSON or CUE.

This command checks:
  - the document structure and its allowed keys
  - failure thresholds (a count of at least 0, a percentage in 0..100)
  - with --topology, that every named server group exists`,
		Example: `  # Validate plans
  dkctl plan validate plans/*.cue

  # Also check the groups against the configured topology
  dkctl plan validate --topology plans/canary.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var topo *domain.Topology
			if checkTopology {
				if settings.Topology == "" {
					return fmt.Errorf("--topology needs a topology file in the settings")
				}
				var err error
				if topo, err = config.LoadTopology(settings.Topology); err != nil {
					return err
				}
			}

			loader := config.NewPlanLoader()
			invalid := 0
			for _, path := range args {
				problems := validatePlanFile(loader, path, topo)
				if len(problems) == 0 {
					fmt.Printf("%s: ok\n", path)
					continue
				}
				invalid++
				for _, p := range problems {
					fmt.Printf("%s: %s\n", path, p)
				}
			}

			log.Debug().Int("files", len(args)).Int("invalid", invalid).Msg("Validated plans")
			if invalid > 0 {
				return fmt.Errorf("%d of %d plans are invalid", invalid, len(args))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&checkTopology, "topology", false, "check server groups against the topology")

	return cmd
}

// validatePlanFile returns every problem found in the plan at path.
func validatePlanFile(loader *config.PlanLoader, path string, topo *domain.Topology) []string {
	plan, err := loader.LoadPlan(path)
	if err != nil {
		var planErrs config.PlanErrors
		if errors.As(err, &planErrs) {
			out := make([]string, len(planErrs))
			for i, e := range planErrs {
				out[i] = e.Error()
			}
			return out
		}
		return []string{err.Error()}
	}

	var problems []string
	for _, step := range plan.Steps {
		for _, g := range step.Groups {
			if err := g.CheckBounds(); err != nil {
				problems = append(problems, err.Error())
			}
			if topo != nil {
				if _, ok := topo.Group(g.Name); !ok {
					problems = append(problems, fmt.Sprintf("server group %q is not in the topology", g.Name))
				}
			}
		}
	}
	return problems
}

func newPlanShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <file>",
		Short: "Print a plan in its canonical JSON form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := config.NewPlanLoader().LoadPlan(args[0])
			if err != nil {
				return err
			}
			if !jsonOutput {
				printPlan(plan)
				return nil
			}
			return printJSON(plan)
		},
	}
}

func printPlan(plan *rollout.Plan) {
	fmt.Fprintf(os.Stdout, "rollback-across-groups: %v\n", plan.RollbackAcrossGroups)
	for i, step := range plan.Steps {
		kind := "server-group"
		if step.Concurrent {
			kind = "concurrent-groups"
		}
		fmt.Fprintf(os.Stdout, "step %d (%s)\n", i+1, kind)
		for _, g := range step.Groups {
			fmt.Fprintf(os.Stdout, "  %s rolling=%v%s%s\n", g.Name, g.RollingToServers,
				threshold(" max-failed-servers=", g.MaxFailedServers),
				threshold(" max-failure-percentage=", g.MaxFailurePercentage))
		}
	}
}

func threshold(label string, v *int) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%s%d", label, *v)
}
