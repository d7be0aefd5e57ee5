// Package policy implements the deep-merge of tool policies used when
// layering profile and operator overrides onto a run's base policy.
// It is distinct from (and composes with) the tool-gating PolicyEngine in
// internal/tools/policy.go: that engine decides which tool definitions are
// offered to the LLM for a call; this package decides which policy document
// (allow/deny/approval/sandbox settings) governs a run.
package policy

// Policy is a recognised-keys-plus-arbitrary-nested-maps document:
// {allowed, blocked_tools, require_approval, approvals, sandbox, ...}.
type Policy map[string]interface{}

// RunContext is the input to ResolveForRun: the coordinates needed to look
// up a base tool policy from the opaque policy store.
type RunContext struct {
	AgentID        string
	SessionKey     string
	Origin         string
	ChannelContext map[string]interface{}
}

// Store is the opaque key/value lookup the orchestrator resolves session
// and agent-profile policy through. Implementations are provided by the
// store layer (internal/store); this package only depends on the narrow
// interface it needs.
type Store interface {
	SessionPolicy(sessionKey string) Policy
	AgentProfilePolicy(agentID string) Policy
}

// ResolveForRun returns the per-run base policy. It never returns nil; an
// unconfigured session/agent yields an empty Policy.
func ResolveForRun(store Store, rc RunContext) Policy {
	base := Policy{}
	if store == nil {
		return base
	}
	if sp := store.SessionPolicy(rc.SessionKey); sp != nil {
		base = Merge(base, sp)
	}
	if ap := store.AgentProfilePolicy(rc.AgentID); ap != nil {
		base = Merge(base, ap)
	}
	return base
}

// Merge combines two policy documents with restrictive-wins semantics:
//   - either side nil → return the other (both nil → empty)
//   - nested maps: deep-merged recursively
//   - "allowed": intersection (more restrictive wins)
//   - "blocked_tools" and "require_approval": union, deduped
//   - everything else: b overrides a
func Merge(a, b Policy) Policy {
	if a == nil && b == nil {
		return Policy{}
	}
	if a == nil {
		return cloneShallow(b)
	}
	if b == nil {
		return cloneShallow(a)
	}

	out := cloneShallow(a)
	for k, bv := range b {
		av, exists := out[k]
		if !exists {
			out[k] = bv
			continue
		}
		out[k] = mergeValue(k, av, bv)
	}
	return out
}

func mergeValue(key string, av, bv interface{}) interface{} {
	switch key {
	case "allowed":
		return intersectSets(av, bv)
	case "blocked_tools", "require_approval":
		return unionSets(av, bv)
	}

	am, aIsMap := av.(map[string]interface{})
	bm, bIsMap := bv.(map[string]interface{})
	if aIsMap && bIsMap {
		return Merge(Policy(am), Policy(bm))
	}
	aPolicy, aIsPolicy := av.(Policy)
	bPolicy, bIsPolicy := bv.(Policy)
	if aIsPolicy && bIsPolicy {
		return Merge(aPolicy, bPolicy)
	}

	// Scalar, slice, or mismatched-type values: b overrides a.
	return bv
}

func intersectSets(a, b interface{}) []string {
	as := toStringSet(a)
	bs := toStringSet(b)
	var out []string
	for v := range as {
		if bs[v] {
			out = append(out, v)
		}
	}
	return out
}

func unionSets(a, b interface{}) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range toStringSlice(a) {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, v := range toStringSlice(b) {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func toStringSet(v interface{}) map[string]bool {
	set := map[string]bool{}
	for _, s := range toStringSlice(v) {
		set[s] = true
	}
	return set
}

func toStringSlice(v interface{}) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func cloneShallow(p Policy) Policy {
	out := make(Policy, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
