package gatewayadapter

import (
	"testing"

	"github.com/nextlevelbuilder/agentrun/internal/agent"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/bus"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/runprocess"
	"github.com/nextlevelbuilder/agentrun/pkg/protocol"
)

func collectRunEvents(b *bus.Bus, runID string) *[]bus.Event {
	var events []bus.Event
	b.Subscribe(bus.RunTopic(runID), "test", func(e bus.Event) {
		events = append(events, e)
	})
	return &events
}

func TestChunkEventsBecomeSequencedDeltas(t *testing.T) {
	b := bus.New()
	a := New(nil, b)
	events := collectRunEvents(b, "r1")

	handle := a.EventHandler()
	handle(agent.AgentEvent{Type: protocol.ChatEventChunk, RunID: "r1", Payload: map[string]string{"content": "Hi "}})
	handle(agent.AgentEvent{Type: protocol.ChatEventChunk, RunID: "r1", Payload: map[string]string{"content": "there"}})
	handle(agent.AgentEvent{Type: protocol.ChatEventChunk, RunID: "r1", Payload: map[string]string{"content": ""}}) // empty: dropped

	if len(*events) != 2 {
		t.Fatalf("expected 2 delta events, got %d", len(*events))
	}
	for i, e := range *events {
		if e.Name != "delta" {
			t.Fatalf("event %d: expected delta, got %q", i, e.Name)
		}
		p := e.Payload.(runprocess.DeltaPayload)
		if p.Seq != int64(i+1) {
			t.Fatalf("event %d: expected seq %d, got %d", i, i+1, p.Seq)
		}
	}
}

func TestToolLifecycleBecomesEngineActions(t *testing.T) {
	b := bus.New()
	a := New(nil, b)
	events := collectRunEvents(b, "r1")

	handle := a.EventHandler()
	handle(agent.AgentEvent{Type: protocol.AgentEventToolCall, RunID: "r1",
		Payload: map[string]interface{}{"id": "t1", "name": "web_search"}})
	handle(agent.AgentEvent{Type: protocol.AgentEventToolResult, RunID: "r1",
		Payload: map[string]interface{}{"id": "t1", "name": "web_search", "is_error": true}})

	if len(*events) != 2 {
		t.Fatalf("expected 2 engine_action events, got %d", len(*events))
	}
	started := (*events)[0].Payload.(runprocess.EngineActionPayload).Action
	if started.Phase != runprocess.PhaseStarted || started.ID != "t1" || started.Title != "web_search" {
		t.Fatalf("unexpected started action %+v", started)
	}
	completed := (*events)[1].Payload.(runprocess.EngineActionPayload).Action
	if completed.Phase != runprocess.PhaseCompleted {
		t.Fatalf("expected completed phase, got %q", completed.Phase)
	}
	if completed.OK == nil || *completed.OK {
		t.Fatalf("expected is_error reflected as ok=false, got %v", completed.OK)
	}
}

func TestThinkingBecomesNoteAction(t *testing.T) {
	b := bus.New()
	a := New(nil, b)
	events := collectRunEvents(b, "r1")

	a.EventHandler()(agent.AgentEvent{Type: protocol.ChatEventThinking, RunID: "r1"})

	if len(*events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(*events))
	}
	action := (*events)[0].Payload.(runprocess.EngineActionPayload).Action
	if action.Kind != runprocess.ActionNote {
		t.Fatalf("expected note kind (filtered downstream), got %q", action.Kind)
	}
}

func TestSeqCountersAreIndependentPerRun(t *testing.T) {
	b := bus.New()
	a := New(nil, b)
	r1 := collectRunEvents(b, "r1")
	r2 := collectRunEvents(b, "r2")

	handle := a.EventHandler()
	handle(agent.AgentEvent{Type: protocol.ChatEventChunk, RunID: "r1", Payload: map[string]string{"content": "a"}})
	handle(agent.AgentEvent{Type: protocol.ChatEventChunk, RunID: "r2", Payload: map[string]string{"content": "b"}})

	if (*r1)[0].Payload.(runprocess.DeltaPayload).Seq != 1 {
		t.Fatal("expected r1 to start at seq 1")
	}
	if (*r2)[0].Payload.(runprocess.DeltaPayload).Seq != 1 {
		t.Fatal("expected r2's counter independent of r1's")
	}
}
