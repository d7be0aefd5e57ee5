package approvals

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentrun/internal/runcore/bus"
)

func TestActionHashStableAndSixteenHex(t *testing.T) {
	a := Action{Kind: "exec", Target: "rm -rf /tmp/x", Detail: map[string]interface{}{"cwd": "/tmp"}}
	h1 := a.Hash()
	h2 := a.Hash()
	if h1 != h2 {
		t.Fatalf("hash not stable: %s vs %s", h1, h2)
	}
	if len(h1) != 16 {
		t.Fatalf("expected 16 hex chars, got %d (%s)", len(h1), h1)
	}
}

func TestCheckMissReturnsFalse(t *testing.T) {
	g := New(NewMemoryStore(), bus.New())
	_, ok, err := g.Check(context.Background(), Request{
		Action:     Action{Kind: "exec", Target: "ls"},
		SessionKey: "agent:x:main",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected no prior decision")
	}
}

func TestRequestTimesOutWithoutResolve(t *testing.T) {
	g := New(NewMemoryStore(), bus.New())
	_, err := g.Request(context.Background(), Request{
		Action:     Action{Kind: "exec", Target: "ls"},
		SessionKey: "agent:x:main",
		Timeout:    10 * time.Millisecond,
	})
	if err != ErrApprovalTimeout {
		t.Fatalf("expected ErrApprovalTimeout, got %v", err)
	}
}

func TestResolveAfterTimeoutStillPersists(t *testing.T) {
	b := bus.New()
	store := NewMemoryStore()
	g := New(store, b)

	var requestID string
	b.Subscribe(bus.ExecApprovalsTopic, "test", func(e bus.Event) {
		if e.Name == "exec_approval_requested" {
			m := e.Payload.(map[string]interface{})
			requestID = m["request_id"].(string)
		}
	})

	_, err := g.Request(context.Background(), Request{
		Action:     Action{Kind: "exec", Target: "rm -rf /tmp/x"},
		SessionKey: "agent:x:main",
		Timeout:    10 * time.Millisecond,
	})
	if err != ErrApprovalTimeout {
		t.Fatalf("expected ErrApprovalTimeout, got %v", err)
	}
	if requestID == "" {
		t.Fatal("expected request_id to have been published before timeout")
	}

	if err := g.Resolve(context.Background(), requestID, ScopeSession, DecisionAllow); err != nil {
		t.Fatalf("expected Resolve after timeout to still succeed for a non-once scope, got: %v", err)
	}

	d, ok, err := g.Check(context.Background(), Request{
		Action:     Action{Kind: "exec", Target: "rm -rf /tmp/x"},
		SessionKey: "agent:x:main",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || d != DecisionAllow {
		t.Fatalf("expected persisted allow decision, got ok=%v d=%v", ok, d)
	}
}

func TestWildcardMatchesAnyActionForTool(t *testing.T) {
	store := NewMemoryStore()
	g := New(store, bus.New())
	if err := store.Put(context.Background(), ScopeAgent, "agent-x", "exec", WildcardAction, DecisionAllow); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	for _, target := range []string{"ls", "cat /etc/hosts", "make build"} {
		d, ok, err := g.Check(context.Background(), Request{
			Tool:    "exec",
			Action:  Action{Kind: "exec", Target: target},
			AgentID: "agent-x",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok || d != DecisionAllow {
			t.Fatalf("expected wildcard allow for %q, got ok=%v d=%v", target, ok, d)
		}
	}

	// The wildcard is per-tool: another tool under the same agent stays
	// unapproved.
	_, ok, _ := g.Check(context.Background(), Request{
		Tool:    "browser",
		Action:  Action{Kind: "browser", Target: "open"},
		AgentID: "agent-x",
	})
	if ok {
		t.Fatal("wildcard leaked across tools")
	}
}

func TestScopePrecedenceGlobalWins(t *testing.T) {
	store := NewMemoryStore()
	g := New(store, bus.New())
	req := Request{
		Tool:       "exec",
		Action:     Action{Kind: "exec", Target: "ls"},
		SessionKey: "agent:x:main",
		AgentID:    "x",
		NodeID:     "node-1",
	}
	hash := req.Action.Hash()
	store.Put(context.Background(), ScopeSession, "agent:x:main", "exec", hash, DecisionAllow)
	store.Put(context.Background(), ScopeGlobal, "global", "exec", hash, DecisionDeny)

	d, ok, err := g.Check(context.Background(), req)
	if err != nil || !ok {
		t.Fatalf("expected a decision, ok=%v err=%v", ok, err)
	}
	if d != DecisionDeny {
		t.Fatalf("expected the global scope to win, got %v", d)
	}
}

func TestResolveUnknownRequestIDIsNoop(t *testing.T) {
	store := NewMemoryStore()
	g := New(store, bus.New())
	if err := g.Resolve(context.Background(), "nonexistent", ScopeSession, DecisionAllow); err != nil {
		t.Fatalf("expected no-op for a request_id that was never requested, got %v", err)
	}
	if _, ok, _ := store.Get(context.Background(), ScopeSession, "agent:x:main", "exec", WildcardAction); ok {
		t.Fatal("no-op resolve must not persist anything")
	}
}

func TestDenyIsNeverPersisted(t *testing.T) {
	b := bus.New()
	store := NewMemoryStore()
	g := New(store, b)
	req := Request{Tool: "exec", Action: Action{Kind: "exec", Target: "rm -rf /"}, SessionKey: "agent:x:main", Timeout: time.Second}

	var requestID string
	b.Subscribe(bus.ExecApprovalsTopic, "watch", func(e bus.Event) {
		if e.Name == "exec_approval_requested" {
			requestID = e.Payload.(map[string]interface{})["request_id"].(string)
		}
	})

	done := make(chan Decision, 1)
	go func() {
		d, _ := g.Request(context.Background(), req)
		done <- d
	}()
	for i := 0; i < 100 && requestID == ""; i++ {
		time.Sleep(time.Millisecond)
	}
	if err := g.Resolve(context.Background(), requestID, ScopeSession, DecisionDeny); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if d := <-done; d != DecisionDeny {
		t.Fatalf("expected the waiter to receive the deny, got %v", d)
	}

	// The denial answered this request only; an identical action asks again.
	if _, ok, _ := g.Check(context.Background(), req); ok {
		t.Fatal("expected no persisted record after a deny")
	}
}

func TestResolveUnblocksRequest(t *testing.T) {
	b := bus.New()
	g := New(NewMemoryStore(), b)

	var requestID string
	b.Subscribe(bus.ExecApprovalsTopic, "test", func(e bus.Event) {
		if e.Name == "exec_approval_requested" {
			m := e.Payload.(map[string]interface{})
			requestID = m["request_id"].(string)
		}
	})

	resultCh := make(chan Decision, 1)
	go func() {
		d, err := g.Request(context.Background(), Request{
			Action:     Action{Kind: "exec", Target: "ls"},
			SessionKey: "agent:x:main",
			Timeout:    time.Second,
		})
		if err != nil {
			t.Errorf("unexpected error: %v", err)
			return
		}
		resultCh <- d
	}()

	// Wait for the request to register before resolving.
	for i := 0; i < 100 && requestID == ""; i++ {
		time.Sleep(time.Millisecond)
	}
	if requestID == "" {
		t.Fatal("request never published")
	}
	if err := g.Resolve(context.Background(), requestID, ScopeSession, DecisionAllow); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	select {
	case d := <-resultCh:
		if d != DecisionAllow {
			t.Fatalf("expected allow, got %v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("request never unblocked")
	}
}

func TestNonOnceScopePersistsAcrossRequests(t *testing.T) {
	b := bus.New()
	g := New(NewMemoryStore(), b)
	req := Request{Action: Action{Kind: "exec", Target: "ls"}, SessionKey: "agent:x:main", Timeout: time.Second}

	var requestID string
	b.Subscribe(bus.ExecApprovalsTopic, "watch", func(e bus.Event) {
		if e.Name == "exec_approval_requested" {
			requestID = e.Payload.(map[string]interface{})["request_id"].(string)
		}
	})

	done := make(chan struct{})
	go func() {
		g.Request(context.Background(), req)
		close(done)
	}()
	for i := 0; i < 100 && requestID == ""; i++ {
		time.Sleep(time.Millisecond)
	}
	g.Resolve(context.Background(), requestID, ScopeSession, DecisionAllow)
	<-done

	d, ok, err := g.Check(context.Background(), req)
	if err != nil || !ok {
		t.Fatalf("expected persisted decision, ok=%v err=%v", ok, err)
	}
	if d != DecisionAllow {
		t.Fatalf("expected allow, got %v", d)
	}
}
