package router

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/agentrun/internal/runcore/channeladapter"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/registry"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/runprocess"
)

type fakeSubmitter struct {
	lastReq runprocess.RunRequest
	runID   string
	err     error
}

func (f *fakeSubmitter) Submit(_ context.Context, req runprocess.RunRequest) (string, error) {
	f.lastReq = req
	if f.err != nil {
		return "", f.err
	}
	if f.runID == "" {
		f.runID = "run-123"
	}
	return f.runID, nil
}

func TestHandleInboundDerivesSessionKeyAndSubmits(t *testing.T) {
	sub := &fakeSubmitter{}
	r := New(sub, registry.New(), registry.NewRunRegistry())

	msg := InboundMessage{
		ChannelID: "telegram",
		AccountID: "default",
		Peer:      channeladapter.PeerRef{Kind: "dm", ID: "42"},
		Meta:      map[string]interface{}{"agent_id": "agent-x"},
	}
	msg.Message.ID = "m1"
	msg.Message.Text = "hello"

	if err := r.HandleInbound(context.Background(), msg); err != nil {
		t.Fatalf("expected nil error (transport never sees submit failures): %v", err)
	}
	if sub.lastReq.SessionKey != "agent:agent-x:telegram:default:dm:42" {
		t.Fatalf("unexpected session_key: %s", sub.lastReq.SessionKey)
	}
	if sub.lastReq.Prompt != "hello" {
		t.Fatalf("unexpected prompt: %s", sub.lastReq.Prompt)
	}
}

func TestHandleInboundNeverPropagatesSubmitError(t *testing.T) {
	sub := &fakeSubmitter{err: ErrUnknownAgentID}
	r := New(sub, registry.New(), registry.NewRunRegistry())
	msg := InboundMessage{ChannelID: "telegram", AccountID: "default", Peer: channeladapter.PeerRef{Kind: "dm", ID: "1"}}
	msg.Message.Text = "hi"
	if err := r.HandleInbound(context.Background(), msg); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestAbortWithNoActiveRunIsNoop(t *testing.T) {
	r := New(&fakeSubmitter{}, registry.New(), registry.NewRunRegistry())
	if err := r.Abort(context.Background(), "agent:x:main"); err != nil {
		t.Fatalf("expected no-op nil error, got %v", err)
	}
}

type fakeRunHandle struct{ aborted bool }

func (f *fakeRunHandle) Abort(context.Context) { f.aborted = true }

func TestAbortLooksUpActiveRunAndCallsAbort(t *testing.T) {
	sessions := registry.New()
	runs := registry.NewRunRegistry()
	r := New(&fakeSubmitter{}, sessions, runs)

	_ = sessions.Register("agent:x:main", "run-1")
	handle := &fakeRunHandle{}
	runs.Put("run-1", handle)

	if err := r.Abort(context.Background(), "agent:x:main"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !handle.aborted {
		t.Fatal("expected underlying run handle to be aborted")
	}
}
