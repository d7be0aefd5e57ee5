// Package toolstatus implements the ToolStatusRenderer pure function and
// ToolStatusCoalescer actor: rendering and rate-limiting the
// "Tool calls:" status message built from tool-action lifecycle events,
// tracked the same ordered-id-map way internal/tools/delegate_state.go
// tracks delegations.
package toolstatus

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/agentrun/internal/runcore/channeladapter"
	"github.com/nextlevelbuilder/agentrun/internal/runcore/runprocess"
)

// maxOrder bounds how many actions a coalescer keeps before dropping the
// oldest.
const maxOrder = 40

// Render implements ToolStatusRenderer: given actions in display order (an
// adapter may have already capped/limited that order), produce the
// "Tool calls:\n..." text. omitted is prefixed as
// "(N tools omitted)" when > 0 (Telegram's capping).
func Render(actions map[string]runprocess.ActionRecord, order []string, omitted int, adapter channeladapter.Adapter) string {
	if len(order) == 0 && omitted == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Tool calls:\n")
	if omitted > 0 {
		fmt.Fprintf(&b, "- (%d tools omitted)\n", omitted)
	}
	for _, id := range order {
		a, ok := actions[id]
		if !ok {
			continue
		}
		b.WriteString(renderLine(a, adapter))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderLine(a runprocess.ActionRecord, adapter channeladapter.Adapter) string {
	extra := ""
	if adapter != nil {
		extra = adapter.FormatActionExtra(channeladapter.ActionView{
			Kind: string(a.Kind), Title: a.Title, Phase: string(a.Phase), OK: a.OK, Detail: a.Detail,
		})
		if extra != "" {
			extra = " " + extra
		}
	}
	switch a.Phase {
	case runprocess.PhaseCompleted:
		status := "ok"
		if a.OK != nil && !*a.OK {
			status = "err"
		}
		preview := ""
		if a.Detail != nil {
			if p, _ := a.Detail["result_preview"].(string); p != "" {
				preview = " -> " + p
			}
		}
		return fmt.Sprintf("- [%s] %s%s%s", status, a.Title, extra, preview)
	default: // started, updated
		return fmt.Sprintf("- [running] %s%s", a.Title, extra)
	}
}
