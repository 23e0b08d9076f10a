package agent

import (
	"fmt"

	"github.com/vigil-dev/vigil/pkg/models"
)

// RepairReport counts the fixes applied to a transcript before a prompt.
// Non-zero counts point at persistence bugs upstream and are worth logging.
type RepairReport struct {
	// Missing counts tool calls that had no result anywhere; a synthetic
	// error result was inserted for each.
	Missing int
	// Duplicates counts repeated results for an already answered call.
	Duplicates int
	// Orphans counts results that matched no call in the transcript.
	Orphans int
	// Reordered counts results that existed but sat in the wrong place.
	Reordered int
}

// Total returns the number of repairs across all classes.
func (r RepairReport) Total() int {
	return r.Missing + r.Duplicates + r.Orphans + r.Reordered
}

type callRef struct {
	msgIdx  int
	ordinal int
}

type resultOccurrence struct {
	res      models.ToolResult
	inWindow bool
}

// RepairTranscript enforces the pairing invariant the providers require:
// every assistant message with tool calls is immediately followed by tool
// result messages matching those calls, in call order. Violations are
// repaired rather than rejected. When the transcript is already well formed
// the input slice is returned untouched.
func RepairTranscript(history []*models.Message, agentName string) ([]*models.Message, RepairReport) {
	var report RepairReport
	if len(history) == 0 || transcriptClean(history) {
		return history, report
	}

	// Index every call by id. The first assistant message to claim an id
	// owns it.
	owners := make(map[string]callRef)
	for i, msg := range history {
		if msg == nil || msg.Role != models.RoleAssistant {
			continue
		}
		ord := 0
		for _, call := range msg.ToolCalls {
			if call.ID == "" {
				continue
			}
			if _, dup := owners[call.ID]; !dup {
				owners[call.ID] = callRef{msgIdx: i, ordinal: ord}
			}
			ord++
		}
	}

	// windowOwner[i] is the index of the assistant message whose result
	// window the message at i sits in, or -1. A window is the run of
	// consecutive tool messages directly after an assistant message with
	// calls.
	windowOwner := make([]int, len(history))
	current := -1
	for i, msg := range history {
		switch {
		case msg == nil:
			windowOwner[i] = -1
			current = -1
		case msg.Role == models.RoleAssistant:
			windowOwner[i] = -1
			current = -1
			if countCallIDs(msg.ToolCalls) > 0 {
				current = i
			}
		case msg.Role == models.RoleTool:
			windowOwner[i] = current
		default:
			windowOwner[i] = -1
			current = -1
		}
	}

	// Collect the first occurrence of each result, classifying the rest.
	first := make(map[string]resultOccurrence)
	arrivals := make(map[int][]string)
	for i, msg := range history {
		if msg == nil || msg.Role != models.RoleTool {
			continue
		}
		for _, res := range msg.ToolResults {
			ref, owned := owners[res.ToolCallID]
			if res.ToolCallID == "" || !owned {
				report.Orphans++
				continue
			}
			if _, seen := first[res.ToolCallID]; seen {
				report.Duplicates++
				continue
			}
			inWindow := windowOwner[i] == ref.msgIdx
			first[res.ToolCallID] = resultOccurrence{res: res, inWindow: inWindow}
			if inWindow {
				arrivals[ref.msgIdx] = append(arrivals[ref.msgIdx], res.ToolCallID)
			} else {
				report.Reordered++
			}
		}
	}

	// Results inside the right window still count as reordered when their
	// arrival order disagrees with the call order.
	for ownerIdx, arrived := range arrivals {
		inOrder := presentCallIDs(history[ownerIdx].ToolCalls, first)
		for i := range arrived {
			if arrived[i] != inOrder[i] {
				report.Reordered++
			}
		}
	}

	// Rebuild: assistant messages keep their place, each followed by a
	// single tool message carrying its results in call order. The original
	// tool message shells are dropped.
	out := make([]*models.Message, 0, len(history))
	for i, msg := range history {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case models.RoleTool:
			continue
		case models.RoleAssistant:
			out = append(out, msg)
			ids := callIDs(msg.ToolCalls)
			if len(ids) == 0 {
				continue
			}
			results := make([]models.ToolResult, 0, len(ids))
			for _, id := range ids {
				if occ, ok := first[id]; ok && owners[id].msgIdx == i {
					results = append(results, occ.res)
					continue
				}
				report.Missing++
				results = append(results, syntheticResult(id, agentName))
			}
			out = append(out, &models.Message{
				ChannelID:   msg.ChannelID,
				UserID:      msg.UserID,
				Platform:    msg.Platform,
				Direction:   msg.Direction,
				Role:        models.RoleTool,
				ToolResults: results,
				ArrivedAt:   msg.ArrivedAt,
			})
		default:
			out = append(out, msg)
		}
	}

	return out, report
}

// transcriptClean reports whether the pairing invariant already holds.
func transcriptClean(history []*models.Message) bool {
	var expect []string
	for _, msg := range history {
		if msg == nil {
			return false
		}
		switch msg.Role {
		case models.RoleAssistant:
			if len(expect) > 0 {
				return false
			}
			for _, call := range msg.ToolCalls {
				if call.ID != "" {
					expect = append(expect, call.ID)
				}
			}
		case models.RoleTool:
			if len(msg.ToolResults) == 0 {
				return false
			}
			for _, res := range msg.ToolResults {
				if len(expect) == 0 || res.ToolCallID != expect[0] {
					return false
				}
				expect = expect[1:]
			}
		default:
			if len(expect) > 0 {
				return false
			}
		}
	}
	return len(expect) == 0
}

func syntheticResult(callID, agentName string) models.ToolResult {
	return models.ToolResult{
		ToolCallID: callID,
		Content:    fmt.Sprintf("[%s] tool result was lost before delivery; treat this call as failed.", agentName),
		IsError:    true,
	}
}

func callIDs(calls []models.ToolCall) []string {
	ids := make([]string, 0, len(calls))
	for _, c := range calls {
		if c.ID != "" {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

func countCallIDs(calls []models.ToolCall) int {
	n := 0
	for _, c := range calls {
		if c.ID != "" {
			n++
		}
	}
	return n
}

// presentCallIDs returns the message's call ids, in call order, restricted
// to calls whose result landed inside this message's window.
func presentCallIDs(calls []models.ToolCall, first map[string]resultOccurrence) []string {
	ids := make([]string, 0, len(calls))
	for _, c := range calls {
		if c.ID == "" {
			continue
		}
		if occ, ok := first[c.ID]; ok && occ.inWindow {
			ids = append(ids, c.ID)
		}
	}
	return ids
}
