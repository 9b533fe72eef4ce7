package agent

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func encoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	return enc
}

// boundTokens truncates text to at most budget tokens (cl100k_base). Falls
// back to a rune-count heuristic if the encoding couldn't be loaded, since
// the agent loop must still bound its prompt even without network access to
// fetch tiktoken's vocabulary file.
func boundTokens(text string, budget int) string {
	if budget <= 0 || text == "" {
		return text
	}

	e := encoding()
	if e == nil {
		// ~4 chars/token heuristic.
		maxChars := budget * 4
		runes := []rune(text)
		if len(runes) <= maxChars {
			return text
		}
		return string(runes[:maxChars])
	}

	tokens := e.Encode(text, nil, nil)
	if len(tokens) <= budget {
		return text
	}
	return e.Decode(tokens[:budget])
}
