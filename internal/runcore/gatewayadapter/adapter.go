// Package gatewayadapter wraps internal/agent.Loop so it satisfies
// runprocess.Gateway: the engine runtime becomes, from runcore's point of
// view, an external black-box gateway. It translates
// pkg/protocol/events.go's dotted-string AgentEvent vocabulary into the
// run-topic event names runprocess consumes.
package gatewayadapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentrun/internal/agent"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/bus"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/runprocess"
	"github.com/nextlevelbuilder/agentrun/pkg/protocol"
)

// LoopLookup resolves the agent.Loop instance that should execute a job,
// keyed by Job.Meta.AgentID. One Gateway serves every agent instance in
// the process, one Loop per agent.
type LoopLookup func(agentID string) (*agent.Loop, error)

// Adapter implements runprocess.Gateway and runprocess.DoneNotifier.
type Adapter struct {
	lookup LoopLookup
	b      *bus.Bus

	mu      sync.Mutex
	seqs    map[string]int64 // run_id -> next delta seq
	doneChs map[string]chan runprocess.DoneReason
	cancels map[string]context.CancelFunc
}

// New constructs an Adapter publishing translated events onto b.
func New(lookup LoopLookup, b *bus.Bus) *Adapter {
	return &Adapter{
		lookup:  lookup,
		b:       b,
		seqs:    make(map[string]int64),
		doneChs: make(map[string]chan runprocess.DoneReason),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Submit translates job into an agent.RunRequest and runs it in its own
// goroutine so Submit itself returns immediately, never blocking on run
// completion.
func (a *Adapter) Submit(ctx context.Context, job runprocess.Job) error {
	loop, err := a.lookup(job.Meta.AgentID)
	if err != nil {
		return fmt.Errorf("gatewayadapter: resolve loop for agent %q: %w", job.Meta.AgentID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan runprocess.DoneReason, 1)

	a.mu.Lock()
	if _, seen := a.doneChs[job.RunID]; seen {
		a.mu.Unlock()
		cancel()
		return nil
	}
	a.cancels[job.RunID] = cancel
	a.doneChs[job.RunID] = done
	a.mu.Unlock()

	req := agent.RunRequest{
		SessionKey:        job.SessionKey,
		Message:           job.Prompt,
		Channel:           job.Meta.ChannelID,
		RunID:             job.RunID,
		Stream:            true,
		ExtraSystemPrompt: job.Meta.SystemPrompt,
	}
	applyExtraMeta(&req, job.Meta.Extra)
	if job.Resume != nil {
		// Engine-specific resume handles ride along in Extra; agent.Loop
		// has no native resume concept, so nothing further to thread here
		// beyond what session history replay already provides.
		_ = job.Resume.Value
	}

	go func() {
		defer func() {
			a.mu.Lock()
			delete(a.cancels, job.RunID)
			delete(a.seqs, job.RunID)
			a.mu.Unlock()
		}()

		result, runErr := loop.Run(runCtx, req)

		reason := runprocess.DoneReason{Reason: "normal"}
		if runCtx.Err() != nil {
			reason = runprocess.DoneReason{Reason: "aborted"}
		} else if runErr != nil {
			reason = runprocess.DoneReason{Reason: "crashed"}
		}

		payload := runprocess.RunCompletedPayload{OK: runErr == nil}
		if runErr != nil {
			payload.Error = runErr.Error()
		} else if result != nil {
			payload.Answer = result.Content
			if result.Usage != nil {
				payload.Usage = &runprocess.Usage{
					InputTokens:  result.Usage.PromptTokens,
					OutputTokens: result.Usage.CompletionTokens,
				}
			}
			for _, m := range result.Media {
				payload.Media = append(payload.Media, runprocess.MediaResult{
					Path:        m.Path,
					ContentType: m.ContentType,
					AsVoice:     m.AsVoice,
				})
			}
		}
		a.b.Publish(bus.RunTopic(job.RunID), bus.Event{Name: "run_completed", Payload: payload})

		select {
		case done <- reason:
		default:
		}
		close(done)
	}()

	return nil
}

// Abort cancels the run's context. agent.Loop has no mid-run
// cancellation beyond context, so this is the full contract.
func (a *Adapter) Abort(ctx context.Context, runID string) error {
	a.mu.Lock()
	cancel := a.cancels[runID]
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return nil
}

// Done implements runprocess.DoneNotifier.
func (a *Adapter) Done(runID string) <-chan runprocess.DoneReason {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ch, ok := a.doneChs[runID]; ok {
		return ch
	}
	closed := make(chan runprocess.DoneReason)
	close(closed)
	return closed
}

// EventHandler returns the callback that must be wired as every agent.Loop's
// LoopConfig.OnEvent so its dotted-string AgentEvent stream reaches this
// Adapter's bus translation. One Loop typically serves many concurrent
// runs; the handler dispatches by e.RunID rather than assuming one run per
// Loop instance.
func (a *Adapter) EventHandler() func(agent.AgentEvent) {
	return a.handleEvent
}

func (a *Adapter) handleEvent(e agent.AgentEvent) {
	topic := bus.RunTopic(e.RunID)
	switch e.Type {
	case protocol.AgentEventRunStarted:
		a.b.Publish(topic, bus.Event{Name: "run_started", Payload: e.Payload})
	case protocol.ChatEventChunk:
		text := stringField(e.Payload, "content")
		if text == "" {
			return
		}
		a.b.Publish(topic, bus.Event{
			Name: "delta",
			Payload: runprocess.DeltaPayload{
				Seq:  a.nextSeq(e.RunID),
				Text: text,
			},
		})
	case protocol.ChatEventThinking:
		// Thinking deltas are not part of the outward stream (they're an
		// engine-internal narration channel); forwarded as a non-delta
		// engine_action note so adapters that care can observe it.
		a.b.Publish(topic, bus.Event{
			Name: "engine_action",
			Payload: runprocess.EngineActionPayload{Action: runprocess.ActionRecord{
				ID:    e.RunID + ":thinking",
				Kind:  runprocess.ActionNote,
				Title: "thinking",
				Phase: runprocess.PhaseUpdated,
			}},
		})
	case protocol.AgentEventToolCall:
		name := stringField(e.Payload, "name")
		id := stringField(e.Payload, "id")
		a.b.Publish(topic, bus.Event{
			Name: "engine_action",
			Payload: runprocess.EngineActionPayload{Action: runprocess.ActionRecord{
				ID:    id,
				Kind:  runprocess.ActionTool,
				Title: name,
				Phase: runprocess.PhaseStarted,
			}},
		})
	case protocol.AgentEventToolResult:
		name := stringField(e.Payload, "name")
		id := stringField(e.Payload, "id")
		isErr := boolField(e.Payload, "is_error")
		ok := !isErr
		a.b.Publish(topic, bus.Event{
			Name: "engine_action",
			Payload: runprocess.EngineActionPayload{Action: runprocess.ActionRecord{
				ID:    id,
				Kind:  runprocess.ActionTool,
				Title: name,
				Phase: runprocess.PhaseCompleted,
				OK:    &ok,
			}},
		})
	case protocol.AgentEventRunFailed:
		// Terminal signal arrives via the goroutine's own run_completed
		// publish in Submit; nothing further to translate here.
	}
}

func (a *Adapter) nextSeq(runID string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seqs[runID]++
	return a.seqs[runID]
}

// applyExtraMeta reads the transport-origin fields the orchestrator passed
// through verbatim in Job.Meta.Extra (stashed there by the scheduler's
// RunRequest.Meta at submit time) and populates the agent.RunRequest fields
// Job's narrower shape has no room for.
func applyExtraMeta(req *agent.RunRequest, extra map[string]interface{}) {
	if extra == nil {
		return
	}
	if v, ok := extra["chat_id"].(string); ok {
		req.ChatID = v
	}
	if v, ok := extra["peer_kind"].(string); ok {
		req.PeerKind = v
	}
	if v, ok := extra["user_id"].(string); ok {
		req.UserID = v
	}
	if v, ok := extra["sender_id"].(string); ok {
		req.SenderID = v
	}
	if v, ok := extra["media"].([]string); ok {
		req.Media = v
	}
	if v, ok := extra["history_limit"].(int); ok {
		req.HistoryLimit = v
	}
	if v, ok := extra["parent_trace_id"].(uuid.UUID); ok {
		req.ParentTraceID = v
	} else if s, ok := extra["parent_trace_id"].(string); ok {
		if parsed, err := uuid.Parse(s); err == nil {
			req.ParentTraceID = parsed
		}
	}
	if v, ok := extra["parent_root_span_id"].(uuid.UUID); ok {
		req.ParentRootSpanID = v
	} else if s, ok := extra["parent_root_span_id"].(string); ok {
		if parsed, err := uuid.Parse(s); err == nil {
			req.ParentRootSpanID = parsed
		}
	}
	if v, ok := extra["trace_name"].(string); ok {
		req.TraceName = v
	}
	if v, ok := extra["trace_tags"].([]string); ok {
		req.TraceTags = v
	}
}

func stringField(payload interface{}, key string) string {
	m, ok := payload.(map[string]string)
	if ok {
		return m[key]
	}
	if mi, ok := payload.(map[string]interface{}); ok {
		if v, ok := mi[key].(string); ok {
			return v
		}
	}
	return ""
}

func boolField(payload interface{}, key string) bool {
	if mi, ok := payload.(map[string]interface{}); ok {
		if v, ok := mi[key].(bool); ok {
			return v
		}
	}
	return false
}
