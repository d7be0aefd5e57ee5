package toolstatus

import (
	"context"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentrun/internal/runcore/channeladapter"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/runprocess"
)

// Config bundles the coalescer's flush thresholds.
type Config struct {
	// IdleDelay is the quiet period after the last ingest before a flush
	// fires on its own.
	IdleDelay time.Duration
	// MaxLatency bounds how long an event burst can defer a flush: once
	// now - first_event_ts reaches it, the next ingest flushes immediately.
	MaxLatency time.Duration
}

// DefaultConfig returns the literal defaults (idle 400ms, max latency
// 1200ms — same cadence as the stream coalescer).
func DefaultConfig() Config {
	return Config{IdleDelay: 400 * time.Millisecond, MaxLatency: 1200 * time.Millisecond}
}

type ingestMsg struct {
	runID  string
	action runprocess.ActionRecord
	meta   map[string]interface{}
}

type flushMsg struct {
	runID string
	done  chan struct{}
}

type finalizeMsg struct {
	runID string
	ok    bool
	meta  map[string]interface{}
	done  chan struct{}
}

type tickMsg struct{}

// Coalescer is one (session_key, channel_id)'s ToolStatusCoalescer actor:
// it tracks an ordered id->ActionRecord table per run and renders/sends a
// bounded "Tool calls:" status message per the flush policy above.
type Coalescer struct {
	sessionKey string
	channelID  string
	cfg        Config
	adapter    channeladapter.Adapter
	gateway    channeladapter.OutboundGateway

	inbox chan interface{}
	timer *time.Timer

	mu           sync.Mutex
	runID        string
	actions      map[string]runprocess.ActionRecord
	order        []string // insertion order, capped at maxOrder
	meta         map[string]interface{}
	firstEventTS time.Time
	lastText     string
	finalized    bool
	dirty        bool
}

func newCoalescer(sessionKey, channelID string, cfg Config, adapter channeladapter.Adapter, gw channeladapter.OutboundGateway) *Coalescer {
	c := &Coalescer{
		sessionKey: sessionKey,
		channelID:  channelID,
		cfg:        cfg,
		adapter:    adapter,
		gateway:    gw,
		inbox:      make(chan interface{}, 256),
		actions:    make(map[string]runprocess.ActionRecord),
	}
	go c.loop()
	return c
}

func (c *Coalescer) loop() {
	for msg := range c.inbox {
		switch m := msg.(type) {
		case ingestMsg:
			c.handleIngest(m)
		case flushMsg:
			c.render(context.Background(), false)
			close(m.done)
		case finalizeMsg:
			c.handleFinalize(m)
			close(m.done)
		case tickMsg:
			c.render(context.Background(), false)
		}
	}
}

// Ingest is the externally-callable, non-blocking send into the actor's
// inbox. meta carries delivery context (progress_msg_id, status_msg_id,
// ...) merged into the coalescer's own meta, nils dropped.
func (c *Coalescer) Ingest(runID string, action runprocess.ActionRecord, meta map[string]interface{}) {
	select {
	case c.inbox <- ingestMsg{runID: runID, action: action, meta: meta}:
	default:
	}
}

// Flush forces an immediate render, blocking until applied.
func (c *Coalescer) Flush(runID string) {
	done := make(chan struct{})
	c.inbox <- flushMsg{runID: runID, done: done}
	<-done
}

// Finalize marks the run's action table closed and renders one last time.
func (c *Coalescer) Finalize(runID string, ok bool, meta map[string]interface{}) {
	done := make(chan struct{})
	c.inbox <- finalizeMsg{runID: runID, ok: ok, meta: meta, done: done}
	<-done
}

func (c *Coalescer) handleIngest(m ingestMsg) {
	c.mu.Lock()
	if m.runID != c.runID {
		c.runID = m.runID
		c.actions = make(map[string]runprocess.ActionRecord)
		c.order = nil
		c.lastText = ""
		c.finalized = false
		c.firstEventTS = time.Time{}
		c.meta = compactMeta(m.meta)
	} else if m.meta != nil {
		c.meta = mergeMeta(c.meta, m.meta)
	}
	if c.finalized {
		c.mu.Unlock()
		return
	}
	if m.action.Kind == runprocess.ActionNote || m.action.ID == "" {
		c.mu.Unlock()
		return
	}
	if _, known := c.actions[m.action.ID]; !known {
		c.order = append(c.order, m.action.ID)
		if len(c.order) > maxOrder {
			dropped := c.order[0]
			c.order = c.order[1:]
			delete(c.actions, dropped)
		}
	}
	c.actions[m.action.ID] = m.action
	c.dirty = true
	if c.firstEventTS.IsZero() {
		c.firstEventTS = time.Now()
	}
	due := time.Since(c.firstEventTS) >= c.cfg.MaxLatency
	c.mu.Unlock()

	if due {
		c.cancelTimer()
		c.render(context.Background(), false)
		return
	}
	c.armTimer()
}

func (c *Coalescer) armTimer() {
	c.cancelTimer()
	c.timer = time.AfterFunc(c.cfg.IdleDelay, func() {
		select {
		case c.inbox <- tickMsg{}:
		default:
		}
	})
}

func (c *Coalescer) cancelTimer() {
	if c.timer != nil {
		c.timer.Stop()
	}
}

func (c *Coalescer) render(ctx context.Context, finalized bool) {
	c.mu.Lock()
	if !c.dirty && !finalized {
		c.mu.Unlock()
		return
	}
	order, omitted := c.adapter.LimitOrder(c.order)
	actions := make(map[string]runprocess.ActionRecord, len(order))
	for _, id := range order {
		actions[id] = c.actions[id]
	}
	anyRunning := false
	for _, a := range c.actions {
		if a.Phase != runprocess.PhaseCompleted {
			anyRunning = true
			break
		}
	}
	text := Render(actions, order, omitted, c.adapter)
	if text == "" && !finalized {
		c.dirty = false
		c.mu.Unlock()
		return
	}
	if text == c.lastText && !finalized {
		c.dirty = false
		c.mu.Unlock()
		return
	}
	meta := c.meta
	if meta == nil {
		meta = make(map[string]interface{})
		c.meta = meta
	}
	meta["run_id"] = c.runID
	c.dirty = false
	c.firstEventTS = time.Time{}
	c.lastText = text
	c.mu.Unlock()

	payload, ok := c.adapter.EmitToolStatus(ctx, meta, text, anyRunning, finalized)
	if !ok {
		return
	}
	c.enqueue(ctx, payload)
}

// handleFinalize closes the run's action table: every action still in a
// started/updated phase is marked completed with the run's ok flag before
// the terminal render (so a crashed run shows its in-flight tools as
// failed, not forever running).
func (c *Coalescer) handleFinalize(m finalizeMsg) {
	c.mu.Lock()
	if c.runID == "" {
		// No actions were ever ingested for this instance; adopt the run so
		// the terminal render can still settle a dangling progress message.
		c.runID = m.runID
	} else if m.runID != c.runID {
		c.mu.Unlock()
		return
	}
	if c.finalized {
		c.mu.Unlock()
		return
	}
	if m.meta != nil {
		c.meta = mergeMeta(c.meta, m.meta)
	}
	for id, a := range c.actions {
		if a.Phase != runprocess.PhaseCompleted {
			a.Phase = runprocess.PhaseCompleted
			ok := m.ok
			a.OK = &ok
			c.actions[id] = a
		}
	}
	c.finalized = true
	c.dirty = true
	c.mu.Unlock()

	c.render(context.Background(), true)
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

// mergeMeta replaces keys present in incoming, dropping nils so known
// transport ids like status_msg_id are never wiped.
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

func (c *Coalescer) enqueue(ctx context.Context, payload channeladapter.OutboundPayload) {
	if c.gateway == nil {
		return
	}
	ackCh, err := c.gateway.Enqueue(ctx, payload)
	if err != nil || ackCh == nil {
		return
	}
	go func() {
		ack := <-ackCh
		c.mu.Lock()
		meta := c.meta
		c.mu.Unlock()
		if meta != nil {
			c.adapter.HandleDeliveryAck(meta, ack)
		}
	}()
}
