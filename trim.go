package invobot

// DefaultTokenBudget bounds the persisted transcript size. The estimate is
// heuristic, so the budget leaves generous headroom under typical model
// context windows.
const DefaultTokenBudget = 18000

// EstimateTokens approximates token count with the ~4 chars/token heuristic.
// Not billing-accurate; monotonic with text length, which is all trimming
// needs.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}

func entryTokens(e Entry) int {
	n := EstimateTokens(e.Text)
	for _, c := range e.ToolCalls {
		n += EstimateTokens(c.Name)
		for k, v := range c.Arguments {
			n += EstimateTokens(k)
			if s, ok := v.(string); ok {
				n += EstimateTokens(s)
			} else {
				n += 2
			}
		}
	}
	return n
}

func transcriptTokens(t Transcript) int {
	total := 0
	for _, e := range t.Entries {
		total += entryTokens(e)
	}
	return total
}

// Trim bounds a transcript to the given token budget. The leading system
// entry is always retained; entries are dropped from the oldest non-system
// end until the estimate fits. The cut then snaps forward to the next human
// entry so the transcript never opens with a tool result that lost its
// triggering call; when no human turn remains ahead, the budget cut stands
// and any orphaned results are dropped by Decode on the next load. Trimming
// an already-trimmed transcript is a no-op.
func Trim(t Transcript, budget int) Transcript {
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	if transcriptTokens(t) <= budget {
		return t
	}

	var head []Entry
	rest := t.Entries
	used := 0
	if sys, ok := t.SystemEntry(); ok {
		head = []Entry{sys}
		rest = t.Entries[1:]
		used = entryTokens(sys)
	}

	remaining := 0
	for _, e := range rest {
		remaining += entryTokens(e)
	}
	cut := 0
	for cut < len(rest) && used+remaining > budget {
		remaining -= entryTokens(rest[cut])
		cut++
	}

	snapped := cut
	for snapped < len(rest) && rest[snapped].Role != RoleHuman {
		snapped++
	}
	if snapped < len(rest) {
		cut = snapped
	}

	trimmed := Transcript{Entries: make([]Entry, 0, len(head)+len(rest)-cut)}
	trimmed.Entries = append(trimmed.Entries, head...)
	trimmed.Entries = append(trimmed.Entries, rest[cut:]...)
	return trimmed
}
