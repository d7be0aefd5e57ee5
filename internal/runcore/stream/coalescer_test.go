package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentrun/internal/runcore/channeladapter"
)

type fakeAdapter struct {
	mu      sync.Mutex
	emitted []string
}

func (f *fakeAdapter) emissions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.emitted))
	copy(out, f.emitted)
	return out
}

func (f *fakeAdapter) EmitStreamOutput(_ context.Context, meta map[string]interface{}, fullText, chunk string) (channeladapter.OutboundPayload, bool) {
	if chunk == "" {
		return channeladapter.OutboundPayload{}, false
	}
	f.mu.Lock()
	f.emitted = append(f.emitted, fullText)
	f.mu.Unlock()
	return channeladapter.OutboundPayload{Kind: "text", Content: chunk, Meta: meta}, true
}
func (f *fakeAdapter) FinalizeStream(_ context.Context, meta map[string]interface{}, finalText string) channeladapter.OutboundPayload {
	f.mu.Lock()
	f.emitted = append(f.emitted, "FINAL:"+finalText)
	f.mu.Unlock()
	return channeladapter.OutboundPayload{Kind: "text", Content: finalText, Meta: meta}
}
func (f *fakeAdapter) EmitToolStatus(context.Context, map[string]interface{}, string, bool, bool) (channeladapter.OutboundPayload, bool) {
	return channeladapter.OutboundPayload{}, false
}
func (f *fakeAdapter) HandleDeliveryAck(map[string]interface{}, channeladapter.DeliveryAck) {}
func (f *fakeAdapter) Truncate(s string) string                                             { return s }
func (f *fakeAdapter) ToolStatusReplyMarkup(string) interface{}                             { return nil }
func (f *fakeAdapter) LimitOrder(ids []string) ([]string, int)                              { return ids, 0 }
func (f *fakeAdapter) FormatActionExtra(channeladapter.ActionView) string                   { return "" }
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

func TestFlushOnMinChars(t *testing.T) {
	a := &fakeAdapter{}
	c := newCoalescer("agent:x:main", "generic", Config{MinChars: 5, IdleDelay: time.Hour, MaxLatency: time.Hour, FullTextCap: 1000}, a, fakeGateway{})
	c.Ingest("run-1", 1, "hello world", nil)
	time.Sleep(20 * time.Millisecond)
	if got := a.emissions(); len(got) != 1 {
		t.Fatalf("expected 1 flush, got %d: %v", len(got), got)
	}
}

func TestOutOfOrderDeltasDropped(t *testing.T) {
	a := &fakeAdapter{}
	c := newCoalescer("agent:x:main", "generic", Config{MinChars: 1000, IdleDelay: time.Hour, MaxLatency: time.Hour, FullTextCap: 1000}, a, fakeGateway{})
	c.Ingest("run-1", 1, "a", nil)
	c.Ingest("run-1", 1, "b", nil)
	c.Ingest("run-1", 0, "c", nil)
	c.Ingest("run-1", 2, "d", nil)
	time.Sleep(20 * time.Millisecond)
	c.mu.Lock()
	got := c.st.fullText
	c.mu.Unlock()
	if got != "ad" {
		t.Fatalf("expected 'ad', got %q", got)
	}
}

func TestFullTextCapped(t *testing.T) {
	a := &fakeAdapter{}
	c := newCoalescer("agent:x:main", "generic", Config{MinChars: 100000, IdleDelay: time.Hour, MaxLatency: time.Hour, FullTextCap: 10}, a, fakeGateway{})
	c.Ingest("run-1", 1, "0123456789ABCDEF", nil)
	time.Sleep(20 * time.Millisecond)
	c.mu.Lock()
	got := c.st.fullText
	c.mu.Unlock()
	if len(got) != 10 || got != "6789ABCDEF" {
		t.Fatalf("expected tail-capped 10 chars '6789ABCDEF', got %q", got)
	}
}

func TestFinalizeProducesTerminalPayload(t *testing.T) {
	a := &fakeAdapter{}
	c := newCoalescer("agent:x:main", "generic", DefaultConfig(), a, fakeGateway{})
	c.Ingest("run-1", 1, "partial", nil)
	time.Sleep(5 * time.Millisecond)
	c.Finalize("run-1", nil, "final answer")
	found := false
	for _, e := range a.emissions() {
		if e == "FINAL:final answer" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a FINAL emission, got %v", a.emissions())
	}
}
