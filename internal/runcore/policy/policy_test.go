package policy

import (
	"reflect"
	"sort"
	"testing"
)

func TestMergeNilSides(t *testing.T) {
	if got := Merge(nil, nil); len(got) != 0 {
		t.Fatalf("expected empty, got %v", got)
	}
	b := Policy{"sandbox": true}
	if got := Merge(nil, b); !reflect.DeepEqual(got, b) {
		t.Fatalf("expected b unchanged, got %v", got)
	}
	a := Policy{"sandbox": false}
	if got := Merge(a, nil); !reflect.DeepEqual(got, a) {
		t.Fatalf("expected a unchanged, got %v", got)
	}
}

func TestMergeAllowedIntersects(t *testing.T) {
	a := Policy{"allowed": []string{"exec", "web_search", "read_file"}}
	b := Policy{"allowed": []string{"exec", "read_file"}}
	got := Merge(a, b)
	allowed := got["allowed"].([]string)
	sort.Strings(allowed)
	if !reflect.DeepEqual(allowed, []string{"exec", "read_file"}) {
		t.Fatalf("expected intersection, got %v", allowed)
	}
}

func TestMergeBlockedToolsUnions(t *testing.T) {
	a := Policy{"blocked_tools": []string{"exec"}}
	b := Policy{"blocked_tools": []string{"exec", "gateway"}}
	got := Merge(a, b)
	blocked := got["blocked_tools"].([]string)
	sort.Strings(blocked)
	if !reflect.DeepEqual(blocked, []string{"exec", "gateway"}) {
		t.Fatalf("expected union, got %v", blocked)
	}
}

func TestMergeNestedMapsDeepMerge(t *testing.T) {
	a := Policy{"approvals": map[string]interface{}{"bash": "always", "web": "never"}}
	b := Policy{"approvals": map[string]interface{}{"bash": "never"}}
	got := Merge(a, b)
	approvals := got["approvals"].(Policy)
	if approvals["bash"] != "never" || approvals["web"] != "never" {
		t.Fatalf("unexpected deep-merged approvals: %v", approvals)
	}
}

func TestMergeScalarLastWriterWins(t *testing.T) {
	a := Policy{"sandbox": false}
	b := Policy{"sandbox": true}
	got := Merge(a, b)
	if got["sandbox"] != true {
		t.Fatalf("expected b to win, got %v", got["sandbox"])
	}
}

type fakeStore struct {
	session Policy
	agent   Policy
}

func (f fakeStore) SessionPolicy(string) Policy      { return f.session }
func (f fakeStore) AgentProfilePolicy(string) Policy { return f.agent }

func TestResolveForRunNeverNil(t *testing.T) {
	got := ResolveForRun(nil, RunContext{})
	if got == nil {
		t.Fatal("expected non-nil empty policy")
	}

	store := fakeStore{
		session: Policy{"sandbox": true},
		agent:   Policy{"allowed": []string{"exec"}},
	}
	got = ResolveForRun(store, RunContext{AgentID: "a", SessionKey: "s"})
	if got["sandbox"] != true {
		t.Fatalf("expected session policy applied, got %v", got)
	}
}
