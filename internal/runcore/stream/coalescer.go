// Package stream implements the StreamCoalescer: a per-(session_key,
// channel_id) actor that buffers streamed text deltas into a small number
// of outbound payloads. It is internal/channels/manager.go's
// HandleAgentEvent forwarding path (which re-sends every chunk
// unthrottled) rebuilt with time/size bounding and the dual-message edit
// model.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentrun/internal/runcore/channeladapter"
)

// Config bundles the coalescer's buffering thresholds.
type Config struct {
	MinChars    int
	IdleDelay   time.Duration
	MaxLatency  time.Duration
	FullTextCap int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{MinChars: 48, IdleDelay: 400 * time.Millisecond, MaxLatency: 1200 * time.Millisecond, FullTextCap: 100_000}
}

// state is a coalescer's private data, touched only from its own actor
// goroutine.
type state struct {
	runID        string
	buffer       string
	fullText     string
	lastSeq      int64
	lastFlushTS  time.Time
	firstDeltaTS time.Time
	finalized    bool
	meta         map[string]interface{}
	lastSentText string
}

type ingestMsg struct {
	runID string
	seq   int64
	text  string
	meta  map[string]interface{}
}

type finalizeMsg struct {
	runID string
	meta  map[string]interface{}
	final string
	done  chan struct{}
}

// Coalescer is one (session_key, channel_id)'s StreamCoalescer actor.
type Coalescer struct {
	sessionKey string
	channelID  string
	cfg        Config
	adapter    channeladapter.Adapter
	gateway    channeladapter.OutboundGateway

	inbox chan interface{}
	timer *time.Timer

	mu sync.Mutex
	st state
}

func newCoalescer(sessionKey, channelID string, cfg Config, adapter channeladapter.Adapter, gw channeladapter.OutboundGateway) *Coalescer {
	c := &Coalescer{
		sessionKey: sessionKey,
		channelID:  channelID,
		cfg:        cfg,
		adapter:    adapter,
		gateway:    gw,
		inbox:      make(chan interface{}, 128),
	}
	go c.loop()
	return c
}

func (c *Coalescer) loop() {
	for msg := range c.inbox {
		switch m := msg.(type) {
		case ingestMsg:
			c.handleIngest(m)
		case finalizeMsg:
			c.handleFinalize(m)
			close(m.done)
		case flushTick:
			c.flush(context.Background())
		}
	}
}

type flushTick struct{}

// Ingest is the externally-callable, non-blocking send into the actor's
// inbox; cross-task access is via message send, never a shared pointer.
func (c *Coalescer) Ingest(runID string, seq int64, text string, meta map[string]interface{}) {
	select {
	case c.inbox <- ingestMsg{runID: runID, seq: seq, text: text, meta: meta}:
	default:
		// Inbox saturated: drop rather than block the publishing RunProcess.
		// A lost delta costs an edit, not the run.
	}
}

// Finalize blocks until the terminal flush for runID has been processed.
func (c *Coalescer) Finalize(runID string, meta map[string]interface{}, final string) {
	done := make(chan struct{})
	c.inbox <- finalizeMsg{runID: runID, meta: meta, final: final, done: done}
	<-done
}

func (c *Coalescer) handleIngest(m ingestMsg) {
	c.mu.Lock()
	if m.runID != c.st.runID {
		c.st = state{runID: m.runID, meta: compactMeta(m.meta)}
	} else if m.meta != nil {
		c.st.meta = mergeMeta(c.st.meta, m.meta)
	}
	if c.st.finalized {
		c.mu.Unlock()
		return
	}
	if c.st.fullText != "" && m.seq <= c.st.lastSeq {
		c.mu.Unlock()
		return
	}
	if c.st.firstDeltaTS.IsZero() {
		c.st.firstDeltaTS = time.Now()
	}
	c.st.lastSeq = m.seq
	c.st.buffer += m.text
	c.st.fullText += m.text
	if len(c.st.fullText) > c.cfg.FullTextCap {
		c.st.fullText = c.st.fullText[len(c.st.fullText)-c.cfg.FullTextCap:]
	}
	shouldFlushNow := len(c.st.buffer) >= c.cfg.MinChars || time.Since(c.st.firstDeltaTS) >= c.cfg.MaxLatency
	c.mu.Unlock()

	if shouldFlushNow {
		c.cancelTimer()
		c.flush(context.Background())
		return
	}
	c.armTimer()
}

func (c *Coalescer) armTimer() {
	c.cancelTimer()
	c.timer = time.AfterFunc(c.cfg.IdleDelay, func() {
		select {
		case c.inbox <- flushTick{}:
		default:
		}
	})
}

func (c *Coalescer) cancelTimer() {
	if c.timer != nil {
		c.timer.Stop()
	}
}

func (c *Coalescer) flush(ctx context.Context) {
	c.mu.Lock()
	if c.st.finalized || c.st.buffer == "" {
		c.mu.Unlock()
		return
	}
	chunk := c.st.buffer
	fullText := c.st.fullText
	meta := c.st.meta
	meta["run_id"] = c.st.runID
	meta["last_sent_text"] = c.st.lastSentText
	c.st.buffer = ""
	c.mu.Unlock()

	payload, ok := c.adapter.EmitStreamOutput(ctx, meta, fullText, chunk)
	if !ok {
		return
	}
	c.enqueue(ctx, payload)

	c.mu.Lock()
	c.st.lastSentText = c.adapter.Truncate(fullText)
	c.st.lastFlushTS = time.Now()
	c.mu.Unlock()
}

func (c *Coalescer) handleFinalize(m finalizeMsg) {
	c.mu.Lock()
	if m.runID != c.st.runID {
		c.st = state{runID: m.runID, meta: compactMeta(m.meta)}
	}
	if c.st.finalized {
		c.mu.Unlock()
		return
	}
	meta := c.st.meta
	if m.meta != nil {
		meta = mergeMeta(meta, m.meta)
	}
	meta["run_id"] = m.runID
	meta["full_text"] = c.st.fullText
	meta["buffer"] = c.st.buffer
	c.st.finalized = true
	c.mu.Unlock()

	if !c.adapter.ShouldFinalizeStream() {
		return
	}
	payload := c.adapter.FinalizeStream(context.Background(), meta, m.final)
	c.enqueue(context.Background(), payload)
}

func (c *Coalescer) enqueue(ctx context.Context, payload channeladapter.OutboundPayload) {
	if c.gateway == nil {
		return
	}
	ackCh, err := c.gateway.Enqueue(ctx, payload)
	if err != nil {
		return
	}
	if ackCh == nil {
		return
	}
	go func() {
		ack := <-ackCh
		c.mu.Lock()
		meta := c.st.meta
		c.mu.Unlock()
		if meta != nil {
			c.adapter.HandleDeliveryAck(meta, ack)
		}
	}()
}

func compactMeta(meta map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		if v == nil {
			continue
		}
		out[k] = v
	}
	return out
}

// mergeMeta replaces keys present in incoming, dropping nils so previously
// known transport ids like progress_msg_id are never wiped.
func mergeMeta(base, incoming map[string]interface{}) map[string]interface{} {
	if base == nil {
		base = make(map[string]interface{})
	}
	for k, v := range incoming {
		if v == nil {
			continue
		}
		base[k] = v
	}
	return base
}
