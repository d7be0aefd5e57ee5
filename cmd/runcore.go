package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentrun/internal/config"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/bus"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/orchestrator"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/policy"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/registry"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/router"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/runprocess"
)

func runcoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runcore",
		Short: "Inspect and smoke-test the run-routing core (SessionRegistry, RunRegistry, admission pipeline)",
	}
	cmd.AddCommand(runcoreInspectCmd())
	return cmd
}

func runcoreInspectCmd() *cobra.Command {
	var agentID, prompt string
	c := &cobra.Command{
		Use:   "inspect",
		Short: "Submit a dry-run RunRequest through RunOrchestrator and print the resulting registry state",
		Run: func(cmd *cobra.Command, args []string) {
			runRuncoreInspect(agentID, prompt)
		},
	}
	c.Flags().StringVar(&agentID, "agent", "", "agent_id to submit as (defaults to the config's default agent)")
	c.Flags().StringVar(&prompt, "prompt", "inspect: hello", "prompt text for the dry-run submission")
	return c
}

// dryGateway is a no-op runprocess.Gateway used only by `runcore inspect`: it
// never actually dispatches to an LLM and publishes no run events; it just
// proves the admission pipeline accepts the job. The submitted run stays
// live in RunRegistry, and Abort here only reaches this no-op gateway.
type dryGateway struct{}

func (dryGateway) Submit(context.Context, runprocess.Job) error { return nil }
func (dryGateway) Abort(context.Context, string) error          { return nil }

type noopStream struct{}

func (noopStream) IngestDelta(string, string, string, int64, string, map[string]interface{}) {}
func (noopStream) FinalizeRun(string, string, string, map[string]interface{}, string)        {}

type noopToolStatus struct{}

func (noopToolStatus) IngestAction(string, string, string, runprocess.ActionRecord, map[string]interface{}) {
}
func (noopToolStatus) Flush(string, string, string)                                     {}
func (noopToolStatus) FinalizeRun(string, string, string, bool, map[string]interface{}) {}

type noopCompaction struct{}

func (noopCompaction) MarkPendingCompaction(string, runprocess.CompactionInfo) {}

// configProfiles adapts the loaded config's agents.list into
// orchestrator.ProfileStore, so `runcore inspect` exercises the real
// profile/policy resolution a live gateway would use.
type configProfiles struct {
	cfg *config.Config
}

func (p configProfiles) AgentProfile(_ context.Context, agentID string) (orchestrator.AgentProfile, bool, error) {
	spec, ok := p.cfg.Agents.List[agentID]
	if !ok {
		for id, s := range p.cfg.Agents.List {
			if s.Default {
				agentID, spec, ok = id, s, true
				break
			}
		}
	}
	if !ok {
		return orchestrator.AgentProfile{}, false, nil
	}
	model := spec.Model
	if model == "" {
		model = p.cfg.Agents.Defaults.Model
	}
	contextWindow := spec.ContextWindow
	if contextWindow <= 0 {
		contextWindow = p.cfg.Agents.Defaults.ContextWindow
	}
	return orchestrator.AgentProfile{
		AgentID:       agentID,
		Model:         model,
		ContextWindow: contextWindow,
		ToolPolicy:    toolPolicyFromSpec(spec),
	}, true, nil
}

func toolPolicyFromSpec(spec config.AgentSpec) policy.Policy {
	if spec.Tools == nil {
		return nil
	}
	return policy.Policy{
		"allowed":       spec.Tools.Allow,
		"blocked_tools": spec.Tools.Deny,
	}
}

type noEngines struct{}

func (noEngines) IsEngine(string) bool { return false }

type emptyPolicyStore struct{}

func (emptyPolicyStore) SessionPolicy(string) policy.Policy      { return nil }
func (emptyPolicyStore) AgentProfilePolicy(string) policy.Policy { return nil }

func runRuncoreInspect(agentID, prompt string) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Printf("config load error: %s\n", err)
		return
	}

	b := bus.New()
	sessions := registry.New()
	runs := registry.NewRunRegistry()

	orc := orchestrator.New(orchestrator.Deps{
		Bus:             b,
		SessionRegistry: sessions,
		RunRegistry:     runs,
		Gateway:         dryGateway{},
		Stream:          noopStream{},
		ToolStatus:      noopToolStatus{},
		Compaction:      noopCompaction{},
		Profiles:        configProfiles{cfg: cfg},
		Policies:        emptyPolicyStore{},
		Engines:         noEngines{},
	}, orchestrator.DefaultConfig(), runprocess.DefaultConfig())

	r := router.New(orc, sessions, runs)

	fmt.Println("runcore inspect")
	fmt.Printf("  Config:   %s\n", resolveConfigPath())

	runID, err := orc.Submit(context.Background(), runprocess.RunRequest{
		Origin:  runprocess.OriginControlPlane,
		AgentID: agentID,
		Prompt:  prompt,
	})
	if err != nil {
		fmt.Printf("  Submit:   FAILED (%s)\n", err)
		return
	}
	fmt.Printf("  Submit:   ok, run_id=%s\n", runID)

	time.Sleep(50 * time.Millisecond) // let the RunProcess actor submit the job to dryGateway

	fmt.Printf("  RunRegistry count:     %d\n", runs.Count())
	if err := r.AbortRun(context.Background(), runID); err != nil {
		fmt.Printf("  Abort:    %s\n", err)
	}
}
