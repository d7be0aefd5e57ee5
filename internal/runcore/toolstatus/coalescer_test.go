package toolstatus

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentrun/internal/runcore/channeladapter"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/runprocess"
)

type fakeAdapter struct {
	mu       sync.Mutex
	rendered []string
	lastMeta map[string]interface{}
}

func (f *fakeAdapter) renders() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.rendered))
	copy(out, f.rendered)
	return out
}

func (f *fakeAdapter) EmitStreamOutput(context.Context, map[string]interface{}, string, string) (channeladapter.OutboundPayload, bool) {
	return channeladapter.OutboundPayload{}, false
}
func (f *fakeAdapter) FinalizeStream(context.Context, map[string]interface{}, string) channeladapter.OutboundPayload {
	return channeladapter.OutboundPayload{}
}
func (f *fakeAdapter) EmitToolStatus(_ context.Context, meta map[string]interface{}, text string, anyRunning, finalized bool) (channeladapter.OutboundPayload, bool) {
	if text == "" {
		return channeladapter.OutboundPayload{}, false
	}
	f.mu.Lock()
	f.rendered = append(f.rendered, text)
	f.lastMeta = meta
	f.mu.Unlock()
	return channeladapter.OutboundPayload{Kind: "text", Content: text, Meta: meta}, true
}
func (f *fakeAdapter) HandleDeliveryAck(map[string]interface{}, channeladapter.DeliveryAck) {}
func (f *fakeAdapter) Truncate(s string) string                                             { return s }
func (f *fakeAdapter) ToolStatusReplyMarkup(string) interface{}                             { return nil }
func (f *fakeAdapter) LimitOrder(ids []string) ([]string, int) {
	if len(ids) <= 5 {
		return ids, 0
	}
	return ids[len(ids)-5:], len(ids) - 5
}
func (f *fakeAdapter) FormatActionExtra(channeladapter.ActionView) string { return "" }
func (f *fakeAdapter) AutoSendConfig() channeladapter.AutoSendConfig {
	return channeladapter.AutoSendConfig{}
}
func (f *fakeAdapter) FilesMaxDownloadBytes() int64    { return 0 }
func (f *fakeAdapter) SkipNonStreamingFinalEmit() bool { return false }
func (f *fakeAdapter) ShouldFinalizeStream() bool      { return true }

type fakeGateway struct{}

func (fakeGateway) Enqueue(context.Context, channeladapter.OutboundPayload) (<-chan channeladapter.DeliveryAck, error) {
	return nil, nil
}

func boolPtr(b bool) *bool { return &b }

func TestIngestRendersToolCallsList(t *testing.T) {
	a := &fakeAdapter{}
	c := newCoalescer("agent:x:main", "generic", Config{IdleDelay: time.Millisecond, MaxLatency: time.Millisecond}, a, fakeGateway{})
	c.Ingest("run-1", runprocess.ActionRecord{ID: "t1", Kind: runprocess.ActionTool, Title: "search", Phase: runprocess.PhaseStarted}, nil)
	time.Sleep(20 * time.Millisecond)
	if len(a.renders()) == 0 {
		t.Fatalf("expected at least one render")
	}
	rendered := a.renders()
	last := rendered[len(rendered)-1]
	if last == "" {
		t.Fatalf("expected non-empty rendered text")
	}
}

func TestNoteKindFilteredFromIngestion(t *testing.T) {
	a := &fakeAdapter{}
	c := newCoalescer("agent:x:main", "generic", Config{IdleDelay: time.Millisecond, MaxLatency: time.Millisecond}, a, fakeGateway{})
	c.Ingest("run-1", runprocess.ActionRecord{ID: "n1", Kind: runprocess.ActionNote, Title: "note", Phase: runprocess.PhaseStarted}, nil)
	time.Sleep(20 * time.Millisecond)
	c.mu.Lock()
	_, known := c.actions["n1"]
	c.mu.Unlock()
	if known {
		t.Fatalf("expected note-kind action to be filtered before ingestion")
	}
}

func TestOrderCappedAtMaxOrder(t *testing.T) {
	a := &fakeAdapter{}
	c := newCoalescer("agent:x:main", "generic", Config{IdleDelay: time.Millisecond, MaxLatency: time.Millisecond}, a, fakeGateway{})
	for i := 0; i < maxOrder+10; i++ {
		id := string(rune('a' + (i % 26)))
		c.Ingest("run-1", runprocess.ActionRecord{ID: id + string(rune(i)), Kind: runprocess.ActionTool, Title: "x", Phase: runprocess.PhaseStarted}, nil)
	}
	time.Sleep(30 * time.Millisecond)
	c.mu.Lock()
	n := len(c.order)
	c.mu.Unlock()
	if n > maxOrder {
		t.Fatalf("expected order capped at %d, got %d", maxOrder, n)
	}
}

func TestFinalizeRendersCompletedStatus(t *testing.T) {
	a := &fakeAdapter{}
	c := newCoalescer("agent:x:main", "generic", Config{IdleDelay: time.Millisecond, MaxLatency: time.Millisecond}, a, fakeGateway{})
	c.Ingest("run-1", runprocess.ActionRecord{ID: "t1", Kind: runprocess.ActionTool, Title: "search", Phase: runprocess.PhaseCompleted, OK: boolPtr(true)}, nil)
	time.Sleep(10 * time.Millisecond)
	c.Finalize("run-1", true, nil)
	c.mu.Lock()
	finalized := c.finalized
	c.mu.Unlock()
	if !finalized {
		t.Fatalf("expected coalescer marked finalized")
	}
}

func TestIdleTimerDefersRenderDuringBurst(t *testing.T) {
	a := &fakeAdapter{}
	c := newCoalescer("agent:x:main", "generic", Config{IdleDelay: time.Hour, MaxLatency: time.Hour}, a, fakeGateway{})
	c.Ingest("run-1", runprocess.ActionRecord{ID: "t1", Kind: runprocess.ActionTool, Title: "a", Phase: runprocess.PhaseStarted}, nil)
	time.Sleep(5 * time.Millisecond)
	c.Ingest("run-1", runprocess.ActionRecord{ID: "t2", Kind: runprocess.ActionTool, Title: "b", Phase: runprocess.PhaseStarted}, nil)
	time.Sleep(5 * time.Millisecond)
	if n := len(a.renders()); n != 0 {
		t.Fatalf("expected no renders while the idle timer is pending, got %d", n)
	}
}

func TestMaxLatencyForcesRenderMidBurst(t *testing.T) {
	a := &fakeAdapter{}
	c := newCoalescer("agent:x:main", "generic", Config{IdleDelay: time.Hour, MaxLatency: 5 * time.Millisecond}, a, fakeGateway{})
	c.Ingest("run-1", runprocess.ActionRecord{ID: "t1", Kind: runprocess.ActionTool, Title: "a", Phase: runprocess.PhaseStarted}, nil)
	time.Sleep(10 * time.Millisecond)
	c.Ingest("run-1", runprocess.ActionRecord{ID: "t2", Kind: runprocess.ActionTool, Title: "b", Phase: runprocess.PhaseStarted}, nil)
	time.Sleep(10 * time.Millisecond)
	if len(a.renders()) == 0 {
		t.Fatalf("expected the second ingest past max latency to force a render")
	}
}

func TestFinalizeMarksRunningActionsCompleted(t *testing.T) {
	a := &fakeAdapter{}
	c := newCoalescer("agent:x:main", "generic", Config{IdleDelay: time.Hour, MaxLatency: time.Hour}, a, fakeGateway{})
	c.Ingest("run-1", runprocess.ActionRecord{ID: "t1", Kind: runprocess.ActionTool, Title: "slow tool", Phase: runprocess.PhaseStarted}, nil)
	time.Sleep(5 * time.Millisecond)
	c.Finalize("run-1", false, nil)

	c.mu.Lock()
	got := c.actions["t1"]
	c.mu.Unlock()
	if got.Phase != runprocess.PhaseCompleted {
		t.Fatalf("expected in-flight action marked completed, got phase %q", got.Phase)
	}
	if got.OK == nil || *got.OK {
		t.Fatalf("expected the run's ok=false carried onto the action, got %v", got.OK)
	}
	rendered := a.renders()
	last := rendered[len(rendered)-1]
	if !strings.Contains(last, "[err] slow tool") {
		t.Fatalf("expected terminal render to show the action as failed, got %q", last)
	}
}

func TestFinalizeWithoutActionsEmitsNothing(t *testing.T) {
	a := &fakeAdapter{}
	c := newCoalescer("agent:x:main", "generic", Config{IdleDelay: time.Hour, MaxLatency: time.Hour}, a, fakeGateway{})
	c.Ingest("run-1", runprocess.ActionRecord{ID: "n1", Kind: runprocess.ActionNote, Title: "note", Phase: runprocess.PhaseStarted}, nil)
	time.Sleep(5 * time.Millisecond)
	c.Finalize("run-1", true, nil)
	if got := a.renders(); len(got) != 0 {
		t.Fatalf("expected no renders for a run with no tool actions, got %v", got)
	}
}

func TestIngestMetaReachesAdapter(t *testing.T) {
	a := &fakeAdapter{}
	c := newCoalescer("agent:x:main", "generic", Config{IdleDelay: time.Millisecond, MaxLatency: time.Millisecond}, a, fakeGateway{})
	c.Ingest("run-1", runprocess.ActionRecord{ID: "t1", Kind: runprocess.ActionTool, Title: "x", Phase: runprocess.PhaseStarted},
		map[string]interface{}{"progress_msg_id": "p1"})
	time.Sleep(20 * time.Millisecond)

	a.mu.Lock()
	meta := a.lastMeta
	a.mu.Unlock()
	if meta == nil || meta["progress_msg_id"] != "p1" {
		t.Fatalf("expected seeded progress_msg_id to reach the adapter, got %v", meta)
	}
}

func TestFinalizeAdoptsRunWithoutActions(t *testing.T) {
	a := &fakeAdapter{}
	c := newCoalescer("agent:x:main", "generic", Config{IdleDelay: time.Hour, MaxLatency: time.Hour}, a, fakeGateway{})
	c.Finalize("run-9", true, map[string]interface{}{"progress_msg_id": "p1"})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runID != "run-9" || !c.finalized {
		t.Fatalf("expected the coalescer to adopt and finalize the run, got runID=%q finalized=%v", c.runID, c.finalized)
	}
	if c.meta["progress_msg_id"] != "p1" {
		t.Fatalf("expected finalize meta merged, got %v", c.meta)
	}
}
