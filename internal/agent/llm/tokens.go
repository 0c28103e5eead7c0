package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// The cl100k_base encoding is a close enough approximation for the token
// budgets involved here regardless of the exact backend model.
const tokenEncoding = "cl100k_base"

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// tokenEncoder resolves the encoding once per process. Loading it can hit
// the network, so a failure is cached too instead of being retried on
// every count.
func tokenEncoder() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(tokenEncoding)
		if err != nil {
			return
		}
		encoding = enc
	})
	return encoding
}

// CountTokens returns the token count of text. Falls back to a bytes/4
// estimate when the encoding is unavailable.
func CountTokens(text string) int {
	enc := tokenEncoder()
	if enc == nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// TrimMessages drops the oldest non-system messages until the total token
// count fits within budget. The system prompt and the most recent message
// are always kept.
func TrimMessages(messages []ChatMessage, budget int) []ChatMessage {
	if budget <= 0 || len(messages) == 0 {
		return messages
	}

	total := 0
	counts := make([]int, len(messages))
	for i, m := range messages {
		counts[i] = CountTokens(m.Content) + 4 // small per-message overhead
		total += counts[i]
	}
	if total <= budget {
		return messages
	}

	// Keep system messages plus the longest suffix of the rest that fits,
	// so the conversation stays contiguous from some point onward.
	remaining := budget
	for i, m := range messages {
		if m.Role == RoleSystem {
			remaining -= counts[i]
		}
	}

	cut := len(messages) - 1 // index of the oldest kept non-system message
	remaining -= counts[cut]
	for i := len(messages) - 2; i >= 0; i-- {
		if messages[i].Role == RoleSystem {
			continue
		}
		if counts[i] > remaining {
			break
		}
		remaining -= counts[i]
		cut = i
	}

	out := make([]ChatMessage, 0, len(messages))
	for i, m := range messages {
		if m.Role == RoleSystem || i >= cut {
			out = append(out, m)
		}
	}
	return out
}
