package runprocess

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/agentrun/internal/runcore/bus"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/registry"
)

// StreamIngestor is the narrow view of StreamCoalescer that RunProcess
// drives. Implemented by internal/runcore/stream.Registry.
type StreamIngestor interface {
	IngestDelta(sessionKey, channelID, runID string, seq int64, text string, meta map[string]interface{})
	FinalizeRun(sessionKey, channelID, runID string, meta map[string]interface{}, finalText string)
}

// ToolStatusIngestor is the narrow view of ToolStatusCoalescer that
// RunProcess drives. Implemented by internal/runcore/toolstatus.Registry.
// meta carries delivery context (progress_msg_id, status_msg_id, ...) the
// same way StreamIngestor's does.
type ToolStatusIngestor interface {
	IngestAction(sessionKey, channelID, runID string, action ActionRecord, meta map[string]interface{})
	Flush(sessionKey, channelID, runID string)
	FinalizeRun(sessionKey, channelID, runID string, ok bool, meta map[string]interface{})
}

// CompactionMarker receives a near-limit notification so the owning session
// can be flagged pending-compaction before the context window fills.
type CompactionMarker interface {
	MarkPendingCompaction(sessionKey string, info CompactionInfo)
}

// CompactionInfo carries the near-limit details attached to a
// pending-compaction mark.
type CompactionInfo struct {
	Reason              string
	InputTokens         int
	ThresholdTokens     int
	ContextWindowTokens int
}

// ResumeStateCleaner clears a channel's stored resume state for a session
// (Telegram: chat-state, selected-resume, and message/thread resume
// indices) after a context-window overflow, so the next inbound prompt
// starts a fresh engine thread instead of replaying the overflowing one.
type ResumeStateCleaner interface {
	ClearResumeState(sessionKey, channelID string)
}

// DoneReason describes why a gateway's run actor exited, for gateway-DOWN
// grace-delay selection.
type DoneReason struct {
	Reason string // "normal", "shutdown", or anything else (treated as abnormal)
}

// DoneNotifier is an optional capability a Gateway may implement to let
// RunProcess monitor the underlying run actor so an abnormal exit without a
// run_completed event can be turned into a synthetic completion. Probed
// via type assertion, never required.
type DoneNotifier interface {
	Done(runID string) <-chan DoneReason
}

// Config bundles RunProcess's timing knobs.
type Config struct {
	GatewaySubmitBaseDelay time.Duration
	GatewaySubmitMaxDelay  time.Duration

	RegisterRetryBaseDelay time.Duration
	RegisterRetryMaxDelay  time.Duration

	GatewayDownGraceNormal   time.Duration
	GatewayDownGraceAbnormal time.Duration

	DefaultContextWindow    int
	CompactionReserveTokens int
	CompactionTriggerRatio  float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		GatewaySubmitBaseDelay:   100 * time.Millisecond,
		GatewaySubmitMaxDelay:    2000 * time.Millisecond,
		RegisterRetryBaseDelay:   25 * time.Millisecond,
		RegisterRetryMaxDelay:    250 * time.Millisecond,
		GatewayDownGraceNormal:   200 * time.Millisecond,
		GatewayDownGraceAbnormal: 20 * time.Millisecond,
		DefaultContextWindow:     200000,
		CompactionReserveTokens:  20000,
		CompactionTriggerRatio:   0.9,
	}
}

// Deps bundles RunProcess's collaborators.
type Deps struct {
	Bus              *bus.Bus
	SessionRegistry  *registry.SessionRegistry
	RunRegistry      *registry.RunRegistry
	Gateway          Gateway
	Stream           StreamIngestor
	ToolStatus       ToolStatusIngestor
	CompactionMarker CompactionMarker   // optional, may be nil
	ResumeCleaner    ResumeStateCleaner // optional, may be nil
	Logger           *slog.Logger
}

// RunProcess is the per-run supervised actor. Construct with New and
// drive with Start; it owns a private goroutine and inbox channel. Its
// state record is guarded by mu, since the submit and register-retry
// goroutines update it alongside the actor goroutine.
type RunProcess struct {
	job  Job
	cfg  Config
	deps Deps
	log  *slog.Logger

	inbox chan bus.Event
	done  chan struct{}

	aborted   atomic.Bool
	completed atomic.Bool

	mu    sync.Mutex // guards state (actor, submit and register-retry goroutines)
	state RunState
}

// New constructs a RunProcess for job. It does not start the actor; call
// Start.
func New(job Job, cfg Config, deps Deps) *RunProcess {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RunProcess{
		job:   job,
		cfg:   cfg,
		deps:  deps,
		log:   logger.With("run_id", job.RunID, "session_key", job.SessionKey),
		inbox: make(chan bus.Event, 64),
		done:  make(chan struct{}),
		state: RunState{
			RunID:      job.RunID,
			SessionKey: job.SessionKey,
			Job:        job,
			StartTSMs:  nowMs(),
		},
	}
}

// Start subscribes to the run topic, launches the actor goroutine, and
// kicks off the gateway submit-with-retry loop. Returns immediately.
func (rp *RunProcess) Start(ctx context.Context) {
	subID := "runprocess:" + rp.job.RunID
	rp.deps.Bus.Subscribe(bus.RunTopic(rp.job.RunID), subID, func(e bus.Event) {
		select {
		case rp.inbox <- e:
		case <-rp.done:
		}
	})

	if rp.deps.RunRegistry != nil {
		rp.deps.RunRegistry.Put(rp.job.RunID, rp)
	}

	go rp.submitWithRetry(ctx)
	go rp.actorLoop(ctx)
}

// Abort is idempotent and safe to call concurrently with the actor loop.
func (rp *RunProcess) Abort(ctx context.Context) {
	if rp.aborted.Swap(true) {
		return // already aborted
	}
	if rp.completed.Load() {
		return
	}
	if rp.deps.Gateway != nil {
		_ = rp.deps.Gateway.Abort(ctx, rp.job.RunID)
	}
	rp.log.Info("run aborted")
}

func (rp *RunProcess) submitWithRetry(ctx context.Context) {
	delay := rp.cfg.GatewaySubmitBaseDelay
	attempt := 0
	for {
		if rp.aborted.Load() || rp.completed.Load() {
			return
		}
		attempt++
		err := rp.deps.Gateway.Submit(ctx, rp.job)
		if err == nil {
			rp.mu.Lock()
			rp.state.GatewaySubmitted = true
			rp.state.GatewaySubmitAttempt = attempt
			rp.mu.Unlock()
			rp.monitorGatewayDown()
			return
		}
		rp.log.Warn("gateway submit failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay *= 2
		if delay > rp.cfg.GatewaySubmitMaxDelay {
			delay = rp.cfg.GatewaySubmitMaxDelay
		}
	}
}

func (rp *RunProcess) monitorGatewayDown() {
	notifier, ok := rp.deps.Gateway.(DoneNotifier)
	if !ok {
		return
	}
	doneCh := notifier.Done(rp.job.RunID)
	if doneCh == nil {
		return
	}
	go func() {
		reason, chanOK := <-doneCh
		if !chanOK {
			reason = DoneReason{Reason: "unknown"}
		}
		grace := rp.cfg.GatewayDownGraceAbnormal
		if reason.Reason == "normal" || reason.Reason == "shutdown" {
			grace = rp.cfg.GatewayDownGraceNormal
		}
		time.Sleep(grace)
		if rp.completed.Load() {
			return
		}
		select {
		case rp.inbox <- bus.Event{Name: "run_completed", Payload: RunCompletedPayload{
			OK:    false,
			Error: "gateway_run_down: " + reason.Reason,
		}}:
		case <-rp.done:
		}
	}()
}

// DeltaPayload is the bus payload shape for "delta" events.
type DeltaPayload struct {
	Seq  int64
	Text string
	Meta map[string]interface{}
}

// EngineActionPayload is the bus payload shape for "engine_action" events.
type EngineActionPayload struct {
	Action ActionRecord
}

// RunCompletedPayload is the bus payload shape for "run_completed" events.
type RunCompletedPayload struct {
	OK     bool
	Answer string
	Resume *ResumeToken
	Usage  *Usage
	Media  []MediaResult
	Error  string
}

func (rp *RunProcess) actorLoop(ctx context.Context) {
	defer close(rp.done)
	for {
		select {
		case <-ctx.Done():
			rp.terminate(false, "context cancelled")
			return
		case e := <-rp.inbox:
			terminal := rp.handleEvent(ctx, e)
			if terminal {
				return
			}
		}
	}
}

// handleEvent processes one event and returns true if the actor should
// stop after this event.
func (rp *RunProcess) handleEvent(ctx context.Context, e bus.Event) bool {
	switch e.Name {
	case "run_started":
		rp.handleRunStarted(e)
	case "delta":
		rp.handleDelta(e)
	case "engine_action":
		rp.handleEngineAction(e)
	case "run_completed":
		rp.handleRunCompleted(e)
		return true
	default:
		rp.deps.Bus.Publish(bus.SessionTopic(rp.job.SessionKey), e)
	}
	return false
}

func (rp *RunProcess) handleRunStarted(e bus.Event) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if rp.state.SessionRegistered {
		return
	}
	err := rp.deps.SessionRegistry.Register(rp.job.SessionKey, rp.job.RunID)
	if err != nil {
		// Slot taken: not cancelled, stash and schedule a register retry.
		env := &DeltaOrActionEnvelope{Name: e.Name, Payload: e.Payload, Timestamp: time.Now()}
		rp.state.PendingRunStartedEvent = env
		delay := rp.cfg.RegisterRetryBaseDelay
		if rp.state.RegisterRetryMs > 0 {
			delay = time.Duration(rp.state.RegisterRetryMs) * time.Millisecond
		}
		go rp.scheduleRegisterRetry(delay)
		return
	}
	rp.state.SessionRegistered = true
	rp.deps.Bus.Publish(bus.SessionTopic(rp.job.SessionKey), e)
}

func (rp *RunProcess) scheduleRegisterRetry(delay time.Duration) {
	time.Sleep(delay)
	if rp.completed.Load() || rp.aborted.Load() {
		return
	}
	next := delay * 2
	if next > rp.cfg.RegisterRetryMaxDelay {
		next = rp.cfg.RegisterRetryMaxDelay
	}
	rp.mu.Lock()
	rp.state.RegisterRetryMs = int(next.Milliseconds())
	pending := rp.state.PendingRunStartedEvent
	rp.mu.Unlock()
	if pending == nil {
		return
	}
	select {
	case rp.inbox <- bus.Event{Name: "run_started", Payload: pending.Payload}:
	case <-rp.done:
	}
}

// deliveryMeta builds the meta map handed to the coalescers: the job's
// known transport message ids, overlaid with any per-event meta. Without
// this seed the coalescers would start from an empty map and the first
// answer message could never reply to the user's message.
func (rp *RunProcess) deliveryMeta(extra map[string]interface{}) map[string]interface{} {
	meta := make(map[string]interface{}, len(extra)+3)
	if rp.job.Meta.UserMsgID != "" {
		meta["user_msg_id"] = rp.job.Meta.UserMsgID
	}
	if rp.job.Meta.ProgressMsgID != "" {
		meta["progress_msg_id"] = rp.job.Meta.ProgressMsgID
	}
	if rp.job.Meta.StatusMsgID != "" {
		meta["status_msg_id"] = rp.job.Meta.StatusMsgID
	}
	for k, v := range extra {
		if v != nil {
			meta[k] = v
		}
	}
	return meta
}

func (rp *RunProcess) handleDelta(e bus.Event) {
	payload, ok := e.Payload.(DeltaPayload)
	if !ok {
		return
	}
	rp.mu.Lock()
	wasFirst := !rp.state.SawDelta
	rp.state.SawDelta = true
	rp.mu.Unlock()

	if wasFirst {
		rp.deps.ToolStatus.Flush(rp.job.SessionKey, rp.job.Meta.ChannelID, rp.job.RunID)
	}
	rp.deps.Bus.Publish(bus.SessionTopic(rp.job.SessionKey), e)
	rp.deps.Stream.IngestDelta(rp.job.SessionKey, rp.job.Meta.ChannelID, rp.job.RunID, payload.Seq, payload.Text, rp.deliveryMeta(payload.Meta))
}

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".bmp": true, ".svg": true, ".tif": true,
	".tiff": true, ".heic": true, ".heif": true,
}

func (rp *RunProcess) handleEngineAction(e bus.Event) {
	payload, ok := e.Payload.(EngineActionPayload)
	if !ok {
		return
	}
	if payload.Action.Kind == ActionNote || payload.Action.ID == "" {
		return
	}
	rp.deps.Bus.Publish(bus.SessionTopic(rp.job.SessionKey), e)
	rp.deps.ToolStatus.IngestAction(rp.job.SessionKey, rp.job.Meta.ChannelID, rp.job.RunID, payload.Action, rp.deliveryMeta(nil))

	if payload.Action.Kind == ActionFileChange && payload.Action.Detail != nil {
		if deleted, _ := payload.Action.Detail["deleted"].(bool); !deleted {
			if p, _ := payload.Action.Detail["path"].(string); p != "" && hasImageExt(p) {
				rp.mu.Lock()
				rp.state.GeneratedImagePaths = append(rp.state.GeneratedImagePaths, p)
				rp.mu.Unlock()
			}
		}
	}
	if files, _ := payload.Action.Detail["auto_send_files"].([]SendFileRequest); len(files) > 0 {
		rp.mu.Lock()
		rp.state.RequestedSendFiles = append(rp.state.RequestedSendFiles, files...)
		rp.mu.Unlock()
	}
}

func hasImageExt(path string) bool {
	for ext := range imageExts {
		if strings.HasSuffix(strings.ToLower(path), ext) {
			return true
		}
	}
	return false
}

func (rp *RunProcess) handleRunCompleted(e bus.Event) {
	payload, _ := e.Payload.(RunCompletedPayload)

	rp.completed.Store(true)
	if rp.deps.SessionRegistry != nil {
		rp.deps.SessionRegistry.Unregister(rp.job.SessionKey)
	}
	if rp.deps.RunRegistry != nil {
		rp.deps.RunRegistry.Delete(rp.job.RunID)
	}

	rp.deps.Bus.Publish(bus.SessionTopic(rp.job.SessionKey), e)

	rp.mu.Lock()
	sawDelta := rp.state.SawDelta
	rp.state.Completed = true
	rp.mu.Unlock()

	rp.deps.ToolStatus.FinalizeRun(rp.job.SessionKey, rp.job.Meta.ChannelID, rp.job.RunID, payload.OK, rp.deliveryMeta(nil))
	if !sawDelta {
		rp.deps.ToolStatus.Flush(rp.job.SessionKey, rp.job.Meta.ChannelID, rp.job.RunID)
	}
	rp.deps.Stream.FinalizeRun(rp.job.SessionKey, rp.job.Meta.ChannelID, rp.job.RunID, rp.deliveryMeta(nil), payload.Answer)

	if !payload.OK && isContextWindowOverflow(payload.Error) {
		if rp.deps.ResumeCleaner != nil {
			rp.deps.ResumeCleaner.ClearResumeState(rp.job.SessionKey, rp.job.Meta.ChannelID)
		}
		if rp.deps.CompactionMarker != nil {
			rp.deps.CompactionMarker.MarkPendingCompaction(rp.job.SessionKey, CompactionInfo{Reason: "overflow"})
		}
		rp.log.Info("context window overflow, resume state cleared")
	}

	if payload.OK && payload.Usage != nil && rp.deps.CompactionMarker != nil {
		cw := resolveContextWindow(rp.job, rp.cfg)
		threshold := compactionThreshold(cw, rp.cfg)
		if payload.Usage.InputTokens >= threshold {
			rp.deps.CompactionMarker.MarkPendingCompaction(rp.job.SessionKey, CompactionInfo{
				Reason:              "near_limit",
				InputTokens:         payload.Usage.InputTokens,
				ThresholdTokens:     threshold,
				ContextWindowTokens: cw,
			})
		}
	}

	rp.deps.Bus.UnsubscribeAll("runprocess:" + rp.job.RunID)
	rp.log.Info("run completed", "ok", payload.OK)
}

func (rp *RunProcess) terminate(completedOK bool, reason string) {
	if !rp.completed.Load() {
		rp.deps.Bus.Publish(bus.RunTopic(rp.job.RunID), bus.Event{
			Name: "run_failed", Payload: map[string]interface{}{"reason": reason},
		})
	}
	if rp.deps.SessionRegistry != nil {
		rp.deps.SessionRegistry.Unregister(rp.job.SessionKey)
	}
	if rp.deps.RunRegistry != nil {
		rp.deps.RunRegistry.Delete(rp.job.RunID)
	}
	rp.deps.ToolStatus.FinalizeRun(rp.job.SessionKey, rp.job.Meta.ChannelID, rp.job.RunID, completedOK, rp.deliveryMeta(nil))
	rp.deps.Stream.FinalizeRun(rp.job.SessionKey, rp.job.Meta.ChannelID, rp.job.RunID, rp.deliveryMeta(nil), "")
	rp.deps.Bus.UnsubscribeAll("runprocess:" + rp.job.RunID)
}

// isContextWindowOverflow sniffs a downcased error string rather than
// matching a typed error (the gateway is an opaque black box; its error
// shape is not ours to define).
func isContextWindowOverflow(errText string) bool {
	lower := strings.ToLower(errText)
	for _, phrase := range []string{"context_length_exceeded", "context length exceeded", "context window"} {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// resolveContextWindow resolves the run's context window in order: an
// explicit config override in the request meta, the agent profile's
// per-model window, then the engine heuristic (codex runs a 400k window),
// then the process default.
func resolveContextWindow(job Job, cfg Config) int {
	switch cw := job.Meta.Extra["context_window"].(type) {
	case int:
		if cw > 0 {
			return cw
		}
	case float64:
		if cw > 0 {
			return int(cw)
		}
	}
	if job.Meta.ContextWindow > 0 {
		return job.Meta.ContextWindow
	}
	if strings.HasPrefix(job.EngineID, "codex") {
		return 400000
	}
	if cfg.DefaultContextWindow > 0 {
		return cfg.DefaultContextWindow
	}
	return 200000
}

func compactionThreshold(contextWindow int, cfg Config) int {
	byReserve := contextWindow - cfg.CompactionReserveTokens
	byRatio := int(float64(contextWindow) * cfg.CompactionTriggerRatio)
	if byReserve < byRatio {
		return byReserve
	}
	return byRatio
}
