package toolstatus

import (
	"testing"

	"github.com/nextlevelbuilder/agentrun/internal/runcore/channeladapter"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/runprocess"
)

func TestRenderCompletedActionWithPreview(t *testing.T) {
	ok := true
	actions := map[string]runprocess.ActionRecord{
		"a1": {
			ID: "a1", Kind: runprocess.ActionTool, Title: "Read: foo.txt",
			Phase: runprocess.PhaseCompleted, OK: &ok,
			Detail: map[string]interface{}{"result_preview": "ok"},
		},
	}
	got := Render(actions, []string{"a1"}, 0, channeladapter.NewGeneric())
	want := "Tool calls:\n- [ok] Read: foo.txt -> ok"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestRenderRunningAndFailedLines(t *testing.T) {
	failed := false
	actions := map[string]runprocess.ActionRecord{
		"a1": {ID: "a1", Kind: runprocess.ActionTool, Title: "search", Phase: runprocess.PhaseStarted},
		"a2": {ID: "a2", Kind: runprocess.ActionCommand, Title: "make build", Phase: runprocess.PhaseCompleted, OK: &failed},
	}
	got := Render(actions, []string{"a1", "a2"}, 0, channeladapter.NewGeneric())
	want := "Tool calls:\n- [running] search\n- [err] make build"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestRenderOmittedPrefix(t *testing.T) {
	actions := map[string]runprocess.ActionRecord{
		"a9": {ID: "a9", Kind: runprocess.ActionTool, Title: "x", Phase: runprocess.PhaseStarted},
	}
	got := Render(actions, []string{"a9"}, 3, channeladapter.NewGeneric())
	want := "Tool calls:\n- (3 tools omitted)\n- [running] x"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestRenderEmptyOrderIsEmpty(t *testing.T) {
	if got := Render(nil, nil, 0, channeladapter.NewGeneric()); got != "" {
		t.Fatalf("expected empty render, got %q", got)
	}
}
