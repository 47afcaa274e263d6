package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/domainkernel/domainkernel/pkg/config"
	"github.com/domainkernel/domainkernel/pkg/domain"
	"github.com/domainkernel/domainkernel/pkg/engine"
	"github.com/domainkernel/domainkernel/pkg/protocol"
	"github.com/domainkernel/domainkernel/pkg/stores"
)

type rolloutOptions struct {
	opsFile  string
	planName string
	planFile string
	groups   []string
	connect  string
	timeout  time.Duration
}

func newRolloutCommand() *cobra.Command {
	var opts rolloutOptions

	cmd := &cobra.Command{
		Use:   "rollout",
		Short: "Roll a batch of operations out to the domain",
		Long: `Apply a batch of operations to the domain model and roll it out to the
server groups running the affected profiles.

Operations are read as a JSON array from --file, or from stdin with "-":

  [{"kind": "add", "address": "/profile=full/subsystem=mail/mail-session=default",
    "parameters": {"jndi-name": "java:jboss/mail/Default"}}]

Without a plan every affected group runs concurrently and any server failure
rolls its group back. --plan selects a plan stored in the domain model and
--plan-file supplies one directly.`,
		Example: `  # Roll out with the default plan
  dkctl rollout -f ops.json

  # Use a stored plan
  dkctl rollout -f ops.json --plan canary

  # Only touch one group, through a running domain controller
  dkctl rollout -f ops.json --groups main-server-group --connect 127.0.0.1:9990`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.planName != "" && opts.planFile != "" {
				return fmt.Errorf("--plan and --plan-file are mutually exclusive")
			}
			ops, err := readOperations(opts.opsFile, cmd.InOrStdin())
			if err != nil {
				return err
			}

			var result *engine.RolloutResult
			if opts.connect != "" {
				result, err = rolloutRemote(cmd.Context(), opts, ops)
			} else {
				result, err = rolloutLocal(cmd.Context(), opts, ops)
			}
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := printJSON(result); err != nil {
					return err
				}
			} else {
				printRollout(os.Stdout, result)
			}
			if result.Outcome != engine.PlanSuccess {
				return fmt.Errorf("rollout %s ended %s", result.ID, result.Outcome)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.opsFile, "file", "f", "", "operations file, - for stdin")
	cmd.Flags().StringVar(&opts.planName, "plan", "", "stored rollout plan to use")
	cmd.Flags().StringVar(&opts.planFile, "plan-file", "", "rollout plan document, JSON or CUE")
	cmd.Flags().StringSliceVar(&opts.groups, "groups", nil, "server groups for the default plan")
	cmd.Flags().StringVar(&opts.connect, "connect", "", "address of a running domain controller")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "handshake timeout with --connect")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func readOperations(path string, stdin io.Reader) ([]engine.Operation, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read operations: %w", err)
	}

	var ops []engine.Operation
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("failed to parse operations: %w", err)
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("no operations in %s", path)
	}
	for i, op := range ops {
		if err := op.Kind.Validate(); err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return ops, nil
}

func rolloutLocal(ctx context.Context, opts rolloutOptions, ops []engine.Operation) (*engine.RolloutResult, error) {
	k, err := newDomainKernel(ctx, false)
	if err != nil {
		return nil, err
	}
	defer shutdownTelemetry(k.Close)

	req := domain.RolloutRequest{Operations: ops, PlanName: opts.planName, Groups: opts.groups}
	if opts.planFile != "" {
		if req.Plan, err = config.NewPlanLoader().LoadPlan(opts.planFile); err != nil {
			return nil, err
		}
	}

	result, err := k.controller.Rollout(ctx, req)
	if err != nil {
		return nil, err
	}
	audit(ctx, k.store, result, opts)
	return result, nil
}

func rolloutRemote(ctx context.Context, opts rolloutOptions, ops []engine.Operation) (*engine.RolloutResult, error) {
	md := map[string]string{}
	if opts.planName != "" {
		md[protocol.MetaRolloutPlan] = opts.planName
	}
	if opts.planFile != "" {
		plan, err := config.NewPlanLoader().LoadPlan(opts.planFile)
		if err != nil {
			return nil, err
		}
		doc, err := json.Marshal(plan)
		if err != nil {
			return nil, err
		}
		md[protocol.MetaRolloutDocument] = string(doc)
	}
	if len(opts.groups) > 0 {
		md[protocol.MetaServerGroups] = strings.Join(opts.groups, ",")
	}

	var d domain.TCPDialer
	conn, err := d.Dial(ctx, domain.Server{Name: "domain-controller", Agent: opts.connect})
	if err != nil {
		return nil, fmt.Errorf("failed to reach the domain controller: %w", err)
	}
	client := protocol.NewClient(conn)
	defer client.Close()

	hello, err := client.Handshake(ctx, opts.timeout)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("controller", hello.Server).Msg("Connected to domain controller")

	res, err := client.Execute(protocol.WithMetadata(ctx, md), ops)
	if err != nil {
		return nil, err
	}
	result, err := domain.RolloutResultOf(res)
	if err != nil {
		return nil, fmt.Errorf("unexpected rollout result: %w", err)
	}
	if result == nil {
		// The controller refused the batch before any rollout began.
		if err := res.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("domain controller returned no rollout result")
	}
	return result, nil
}

func audit(ctx context.Context, store *stores.SQLiteStore, result *engine.RolloutResult, opts rolloutOptions) {
	actor := "unknown"
	if u, err := user.Current(); err == nil {
		actor = u.Username
	}
	details, _ := json.Marshal(map[string]interface{}{
		"plan":    opts.planName,
		"groups":  opts.groups,
		"outcome": result.Outcome,
	})
	d := string(details)
	entry := &stores.AuditEntry{Action: "rollout", Actor: actor, TargetID: &result.ID, Details: &d}
	if err := store.CreateAuditEntry(ctx, entry); err != nil {
		log.Warn().Err(err).Str("rollout_id", result.ID).Msg("Failed to record audit entry")
	}
}

func printRollout(w io.Writer, r *engine.RolloutResult) {
	fmt.Fprintf(w, "Rollout %s: %s (%s)\n", r.ID, r.Outcome, r.Duration().Round(time.Millisecond))
	if r.Failure != nil {
		fmt.Fprintf(w, "  %v\n", r.Failure)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tSTEP\tOUTCOME\tFAILED\tSERVER\tRESULT")
	for _, name := range r.GroupNames() {
		g := r.Groups[name]
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d/%d\t\t\n", g.Name, g.Step, g.Outcome, g.Failed, g.Total)
		for _, s := range g.Servers {
			fmt.Fprintf(tw, "\t\t\t\t%s\t%s\n", s.Server.ID(), s.Outcome)
		}
	}
	for _, name := range r.Skipped {
		fmt.Fprintf(tw, "%s\t-\tSKIPPED\t\t\t\n", name)
	}
	_ = tw.Flush()
}
