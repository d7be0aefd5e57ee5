package runprocess

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentrun/internal/runcore/bus"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/registry"
)

type fakeGateway struct {
	mu        sync.Mutex
	submits   []Job
	aborts    []string
	done      chan DoneReason
	submitErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{done: make(chan DoneReason, 1)}
}

func (g *fakeGateway) Submit(_ context.Context, job Job) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.submitErr != nil {
		return g.submitErr
	}
	g.submits = append(g.submits, job)
	return nil
}

func (g *fakeGateway) Abort(_ context.Context, runID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.aborts = append(g.aborts, runID)
	return nil
}

func (g *fakeGateway) Done(string) <-chan DoneReason { return g.done }

func (g *fakeGateway) abortCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.aborts)
}

type recStream struct {
	mu        sync.Mutex
	deltas    []string
	finalText string
	finalized bool
	lastMeta  map[string]interface{}
}

func (s *recStream) IngestDelta(_, _, _ string, _ int64, text string, meta map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deltas = append(s.deltas, text)
	s.lastMeta = meta
}

func (s *recStream) FinalizeRun(_, _, _ string, _ map[string]interface{}, finalText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = true
	s.finalText = finalText
}

func (s *recStream) isFinalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}

type recToolStatus struct {
	mu       sync.Mutex
	ingested []ActionRecord
	flushes  int
	final    *bool
	lastMeta map[string]interface{}
}

func (ts *recToolStatus) IngestAction(_, _, _ string, a ActionRecord, meta map[string]interface{}) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.ingested = append(ts.ingested, a)
	ts.lastMeta = meta
}

func (ts *recToolStatus) Flush(_, _, _ string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.flushes++
}

func (ts *recToolStatus) FinalizeRun(_, _, _ string, ok bool, meta map[string]interface{}) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.final = &ok
	ts.lastMeta = meta
}

func (ts *recToolStatus) flushCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.flushes
}

func (ts *recToolStatus) ingestCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.ingested)
}

type recCleaner struct {
	mu      sync.Mutex
	cleared []string
}

func (c *recCleaner) ClearResumeState(sessionKey, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared = append(c.cleared, sessionKey)
}

func (c *recCleaner) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cleared)
}

type recCompaction struct {
	mu    sync.Mutex
	infos []CompactionInfo
}

func (c *recCompaction) MarkPendingCompaction(_ string, info CompactionInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.infos = append(c.infos, info)
}

func (c *recCompaction) last() (CompactionInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.infos) == 0 {
		return CompactionInfo{}, false
	}
	return c.infos[len(c.infos)-1], true
}

type harness struct {
	b        *bus.Bus
	sessions *registry.SessionRegistry
	runs     *registry.RunRegistry
	gw       *fakeGateway
	stream   *recStream
	status   *recToolStatus
	cleaner  *recCleaner
	compact  *recCompaction
}

func newHarness() *harness {
	return &harness{
		b:        bus.New(),
		sessions: registry.New(),
		runs:     registry.NewRunRegistry(),
		gw:       newFakeGateway(),
		stream:   &recStream{},
		status:   &recToolStatus{},
		cleaner:  &recCleaner{},
		compact:  &recCompaction{},
	}
}

func (h *harness) start(t *testing.T, runID, sessionKey string) *RunProcess {
	t.Helper()
	job := Job{RunID: runID, SessionKey: sessionKey, Prompt: "hi", Meta: JobMeta{ChannelID: "telegram", UserMsgID: "u1", ProgressMsgID: "p1"}}
	rp := New(job, DefaultConfig(), Deps{
		Bus:              h.b,
		SessionRegistry:  h.sessions,
		RunRegistry:      h.runs,
		Gateway:          h.gw,
		Stream:           h.stream,
		ToolStatus:       h.status,
		CompactionMarker: h.compact,
		ResumeCleaner:    h.cleaner,
	})
	rp.Start(context.Background())
	return rp
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached within timeout")
}

func TestRunStartedRegistersSession(t *testing.T) {
	h := newHarness()
	h.start(t, "run-1", "agent:x:main")

	h.b.Publish(bus.RunTopic("run-1"), bus.Event{Name: "run_started"})

	waitUntil(t, time.Second, func() bool {
		owner, ok := h.sessions.LookupActive("agent:x:main")
		return ok && owner == "run-1"
	})
}

func TestRunCompletedFreesSlotAndFinalizes(t *testing.T) {
	h := newHarness()
	h.start(t, "run-1", "agent:x:main")

	h.b.Publish(bus.RunTopic("run-1"), bus.Event{Name: "run_started"})
	waitUntil(t, time.Second, func() bool {
		_, ok := h.sessions.LookupActive("agent:x:main")
		return ok
	})

	h.b.Publish(bus.RunTopic("run-1"), bus.Event{Name: "run_completed", Payload: RunCompletedPayload{OK: true, Answer: "Hi there!"}})

	waitUntil(t, time.Second, func() bool {
		_, ok := h.sessions.LookupActive("agent:x:main")
		return !ok && h.stream.isFinalized()
	})
	if h.stream.finalText != "Hi there!" {
		t.Fatalf("expected final text forwarded to stream, got %q", h.stream.finalText)
	}
	if _, ok := h.runs.Get("run-1"); ok {
		t.Fatal("expected run removed from RunRegistry after completion")
	}
}

// A second run submitted for the same session is not cancelled by the
// single-flight collision: its run_started is stashed and re-tried until
// the first run frees the slot.
func TestSecondRunWaitsForSlotWithoutCancellation(t *testing.T) {
	h := newHarness()
	h.start(t, "run-1", "agent:x:main")
	rp2 := h.start(t, "run-2", "agent:x:main")

	h.b.Publish(bus.RunTopic("run-1"), bus.Event{Name: "run_started"})
	waitUntil(t, time.Second, func() bool {
		owner, ok := h.sessions.LookupActive("agent:x:main")
		return ok && owner == "run-1"
	})

	h.b.Publish(bus.RunTopic("run-2"), bus.Event{Name: "run_started"})
	time.Sleep(10 * time.Millisecond)
	if owner, _ := h.sessions.LookupActive("agent:x:main"); owner != "run-1" {
		t.Fatalf("expected run-1 to keep the slot, got %v", owner)
	}
	if rp2.aborted.Load() {
		t.Fatal("collision must not abort the waiting run")
	}

	h.b.Publish(bus.RunTopic("run-1"), bus.Event{Name: "run_completed", Payload: RunCompletedPayload{OK: true}})

	waitUntil(t, 2*time.Second, func() bool {
		owner, ok := h.sessions.LookupActive("agent:x:main")
		return ok && owner == "run-2"
	})
}

func TestFirstDeltaFlushesToolStatusOnce(t *testing.T) {
	h := newHarness()
	h.start(t, "run-1", "agent:x:main")

	h.b.Publish(bus.RunTopic("run-1"), bus.Event{Name: "delta", Payload: DeltaPayload{Seq: 1, Text: "a"}})
	h.b.Publish(bus.RunTopic("run-1"), bus.Event{Name: "delta", Payload: DeltaPayload{Seq: 2, Text: "b"}})

	waitUntil(t, time.Second, func() bool {
		h.stream.mu.Lock()
		n := len(h.stream.deltas)
		h.stream.mu.Unlock()
		return n == 2
	})
	if got := h.status.flushCount(); got != 1 {
		t.Fatalf("expected exactly one tool-status flush on first delta, got %d", got)
	}
}

// The job's transport message ids must reach both coalescers on the real
// event path, so the first answer message can reply to the user's message
// and a pre-existing progress message can be settled.
func TestDeliveryMetaSeedsCoalescers(t *testing.T) {
	h := newHarness()
	h.start(t, "run-1", "agent:x:main")

	h.b.Publish(bus.RunTopic("run-1"), bus.Event{Name: "delta", Payload: DeltaPayload{Seq: 1, Text: "a"}})
	h.b.Publish(bus.RunTopic("run-1"), bus.Event{Name: "engine_action", Payload: EngineActionPayload{
		Action: ActionRecord{ID: "t1", Kind: ActionTool, Title: "x", Phase: PhaseStarted},
	}})

	waitUntil(t, time.Second, func() bool {
		h.stream.mu.Lock()
		sm := h.stream.lastMeta
		h.stream.mu.Unlock()
		h.status.mu.Lock()
		tm := h.status.lastMeta
		h.status.mu.Unlock()
		return sm != nil && tm != nil
	})

	h.stream.mu.Lock()
	streamMeta := h.stream.lastMeta
	h.stream.mu.Unlock()
	if streamMeta["user_msg_id"] != "u1" || streamMeta["progress_msg_id"] != "p1" {
		t.Fatalf("expected job message ids seeded into stream meta, got %v", streamMeta)
	}
	h.status.mu.Lock()
	statusMeta := h.status.lastMeta
	h.status.mu.Unlock()
	if statusMeta["progress_msg_id"] != "p1" {
		t.Fatalf("expected progress_msg_id seeded into tool-status meta, got %v", statusMeta)
	}
}

func TestGatewayDownSynthesizesCompletion(t *testing.T) {
	h := newHarness()
	h.start(t, "run-1", "agent:x:main")

	// Wait for the submit to land (monitoring starts after it).
	waitUntil(t, time.Second, func() bool {
		h.gw.mu.Lock()
		n := len(h.gw.submits)
		h.gw.mu.Unlock()
		return n == 1
	})

	var completedErr string
	var mu sync.Mutex
	h.b.Subscribe(bus.SessionTopic("agent:x:main"), "watch", func(e bus.Event) {
		if e.Name == "run_completed" {
			if p, ok := e.Payload.(RunCompletedPayload); ok {
				mu.Lock()
				completedErr = p.Error
				mu.Unlock()
			}
		}
	})

	h.gw.done <- DoneReason{Reason: "crashed"}

	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Contains(completedErr, "gateway_run_down")
	})
	if !h.stream.isFinalized() {
		t.Fatal("expected synthetic completion to finalize the stream")
	}
}

func TestAbortIsIdempotent(t *testing.T) {
	h := newHarness()
	rp := h.start(t, "run-1", "agent:x:main")

	rp.Abort(context.Background())
	rp.Abort(context.Background())

	if got := h.gw.abortCount(); got != 1 {
		t.Fatalf("expected exactly one gateway abort, got %d", got)
	}
}

func TestContextOverflowClearsResumeState(t *testing.T) {
	h := newHarness()
	h.start(t, "run-1", "agent:x:main")

	h.b.Publish(bus.RunTopic("run-1"), bus.Event{Name: "run_completed", Payload: RunCompletedPayload{
		OK:    false,
		Error: "engine: context_length_exceeded after 199k tokens",
	}})

	waitUntil(t, time.Second, func() bool { return h.cleaner.count() == 1 })
	info, ok := h.compact.last()
	if !ok || info.Reason != "overflow" {
		t.Fatalf("expected pending-compaction marked with reason=overflow, got %+v ok=%v", info, ok)
	}
}

func TestNearLimitUsageMarksPendingCompaction(t *testing.T) {
	h := newHarness()
	h.start(t, "run-1", "agent:x:main")

	h.b.Publish(bus.RunTopic("run-1"), bus.Event{Name: "run_completed", Payload: RunCompletedPayload{
		OK:    true,
		Usage: &Usage{InputTokens: 195000},
	}})

	waitUntil(t, time.Second, func() bool {
		info, ok := h.compact.last()
		return ok && info.Reason == "near_limit"
	})
	info, _ := h.compact.last()
	if info.InputTokens != 195000 || info.ContextWindowTokens != 200000 {
		t.Fatalf("unexpected compaction info %+v", info)
	}
}

func TestNoteActionsNeverReachToolStatus(t *testing.T) {
	h := newHarness()
	h.start(t, "run-1", "agent:x:main")

	h.b.Publish(bus.RunTopic("run-1"), bus.Event{Name: "engine_action", Payload: EngineActionPayload{
		Action: ActionRecord{ID: "n1", Kind: ActionNote, Title: "thinking", Phase: PhaseUpdated},
	}})
	h.b.Publish(bus.RunTopic("run-1"), bus.Event{Name: "engine_action", Payload: EngineActionPayload{
		Action: ActionRecord{ID: "t1", Kind: ActionTool, Title: "Read: foo.txt", Phase: PhaseStarted},
	}})

	waitUntil(t, time.Second, func() bool { return h.status.ingestCount() == 1 })
	h.status.mu.Lock()
	got := h.status.ingested[0].ID
	h.status.mu.Unlock()
	if got != "t1" {
		t.Fatalf("expected only the tool action ingested, got %q", got)
	}
}

func TestImageFileChangesTracked(t *testing.T) {
	h := newHarness()
	rp := h.start(t, "run-1", "agent:x:main")

	h.b.Publish(bus.RunTopic("run-1"), bus.Event{Name: "engine_action", Payload: EngineActionPayload{
		Action: ActionRecord{ID: "f1", Kind: ActionFileChange, Title: "write", Phase: PhaseCompleted,
			Detail: map[string]interface{}{"path": "/tmp/chart.PNG"}},
	}})
	h.b.Publish(bus.RunTopic("run-1"), bus.Event{Name: "engine_action", Payload: EngineActionPayload{
		Action: ActionRecord{ID: "f2", Kind: ActionFileChange, Title: "write", Phase: PhaseCompleted,
			Detail: map[string]interface{}{"path": "/tmp/notes.txt"}},
	}})

	waitUntil(t, time.Second, func() bool {
		rp.mu.Lock()
		defer rp.mu.Unlock()
		return len(rp.state.GeneratedImagePaths) == 1
	})
	rp.mu.Lock()
	got := rp.state.GeneratedImagePaths[0]
	rp.mu.Unlock()
	if got != "/tmp/chart.PNG" {
		t.Fatalf("expected the image path tracked, got %q", got)
	}
}

func TestIsContextWindowOverflow(t *testing.T) {
	cases := []struct {
		errText string
		want    bool
	}{
		{"openai: Context_Length_Exceeded", true},
		{"model says: context length exceeded", true},
		{"the CONTEXT WINDOW is full", true},
		{"rate limit exceeded", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := isContextWindowOverflow(tc.errText); got != tc.want {
			t.Errorf("isContextWindowOverflow(%q) = %v, want %v", tc.errText, got, tc.want)
		}
	}
}

func TestResolveContextWindowAndThreshold(t *testing.T) {
	cfg := DefaultConfig()

	if got := resolveContextWindow(Job{EngineID: "codex"}, cfg); got != 400000 {
		t.Fatalf("expected codex heuristic 400000, got %d", got)
	}
	job := Job{Meta: JobMeta{Extra: map[string]interface{}{"context_window": 32000}}}
	if got := resolveContextWindow(job, cfg); got != 32000 {
		t.Fatalf("expected configured window to win, got %d", got)
	}
	// The profile's per-model window sits between config and heuristic.
	profiled := Job{EngineID: "codex", Meta: JobMeta{ContextWindow: 128000}}
	if got := resolveContextWindow(profiled, cfg); got != 128000 {
		t.Fatalf("expected profile window to beat the engine heuristic, got %d", got)
	}
	overridden := Job{Meta: JobMeta{ContextWindow: 128000, Extra: map[string]interface{}{"context_window": float64(64000)}}}
	if got := resolveContextWindow(overridden, cfg); got != 64000 {
		t.Fatalf("expected config override to beat the profile window, got %d", got)
	}
	if got := resolveContextWindow(Job{}, cfg); got != cfg.DefaultContextWindow {
		t.Fatalf("expected default window, got %d", got)
	}

	// threshold = min(cw - reserve, cw * ratio)
	if got := compactionThreshold(200000, cfg); got != 180000 {
		t.Fatalf("expected min(180000, 180000) = 180000, got %d", got)
	}
	small := Config{CompactionReserveTokens: 1000, CompactionTriggerRatio: 0.5}
	if got := compactionThreshold(10000, small); got != 5000 {
		t.Fatalf("expected ratio bound 5000, got %d", got)
	}
}
