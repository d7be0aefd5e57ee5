package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentrun/internal/runcore/bus"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/policy"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/registry"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/runprocess"
)

type fakeProfiles struct {
	profiles map[string]AgentProfile
}

func (f *fakeProfiles) AgentProfile(_ context.Context, agentID string) (AgentProfile, bool, error) {
	p, ok := f.profiles[agentID]
	return p, ok, nil
}

type fakePolicyStore struct{}

func (fakePolicyStore) SessionPolicy(string) policy.Policy      { return nil }
func (fakePolicyStore) AgentProfilePolicy(string) policy.Policy { return nil }

type fakeGateway struct {
	mu        sync.Mutex
	submitted []runprocess.Job
}

func (g *fakeGateway) Submit(_ context.Context, job runprocess.Job) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitted = append(g.submitted, job)
	return nil
}

func (g *fakeGateway) submittedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.submitted)
}
func (g *fakeGateway) Abort(context.Context, string) error { return nil }

type fakeStream struct{}

func (fakeStream) IngestDelta(string, string, string, int64, string, map[string]interface{}) {}
func (fakeStream) FinalizeRun(string, string, string, map[string]interface{}, string)        {}

type fakeToolStatus struct{}

func (fakeToolStatus) IngestAction(string, string, string, runprocess.ActionRecord, map[string]interface{}) {
}
func (fakeToolStatus) Flush(string, string, string)                                     {}
func (fakeToolStatus) FinalizeRun(string, string, string, bool, map[string]interface{}) {}

func newTestOrchestrator(profiles map[string]AgentProfile) (*RunOrchestrator, *fakeGateway) {
	gw := &fakeGateway{}
	deps := Deps{
		Bus:             bus.New(),
		SessionRegistry: registry.New(),
		RunRegistry:     registry.NewRunRegistry(),
		Gateway:         gw,
		Stream:          fakeStream{},
		ToolStatus:      fakeToolStatus{},
		Profiles:        &fakeProfiles{profiles: profiles},
		Policies:        fakePolicyStore{},
	}
	return New(deps, DefaultConfig(), runprocess.DefaultConfig()), gw
}

func TestSubmitUnknownAgentFails(t *testing.T) {
	o, _ := newTestOrchestrator(map[string]AgentProfile{})
	_, err := o.Submit(context.Background(), runprocess.RunRequest{
		SessionKey: "agent:missing:main",
		Prompt:     "hi",
	})
	if err != ErrUnknownAgent {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestSubmitHappyPathStartsGatewayJob(t *testing.T) {
	o, gw := newTestOrchestrator(map[string]AgentProfile{
		"default": {AgentID: "default", DefaultEngine: "codex"},
	})
	runID, err := o.Submit(context.Background(), runprocess.RunRequest{
		SessionKey: "agent:default:main",
		Prompt:     "hello there",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runID == "" {
		t.Fatal("expected non-empty run_id")
	}
	// Submit runs async inside RunProcess.Start's goroutine; poll for it.
	for i := 0; i < 100 && gw.submittedCount() == 0; i++ {
		time.Sleep(time.Millisecond)
	}
	if n := gw.submittedCount(); n != 1 {
		t.Fatalf("expected the gateway to receive 1 job, got %d", n)
	}
}

func TestCapacityReached(t *testing.T) {
	o, _ := newTestOrchestrator(map[string]AgentProfile{
		"default": {AgentID: "default", DefaultEngine: "codex"},
	})
	o.cfg.MaxConcurrentRuns = 1
	o.deps.RunRegistry.Put("already-running", "handle")
	_, err := o.Submit(context.Background(), runprocess.RunRequest{
		SessionKey: "agent:default:main",
		Prompt:     "hello",
	})
	if err != ErrRunCapacityReached {
		t.Fatalf("expected ErrRunCapacityReached, got %v", err)
	}
}

func TestResumeLineStrippedAndSubstituted(t *testing.T) {
	resume, stripped := extractResumeToken("/resume codex abc123")
	if resume == nil || resume.Engine != "codex" || resume.Value != "abc123" {
		t.Fatalf("unexpected resume token: %+v", resume)
	}
	if stripped != "" {
		t.Fatalf("expected empty stripped prompt, got %q", stripped)
	}
}
