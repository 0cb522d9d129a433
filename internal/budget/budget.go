// Package budget provides token budget estimation and context trimming for
// the query pipeline. Because several LLM backends with different tokenizers
// are supported, it uses a conservative character heuristic:
// 1 token ≈ 4 characters of English prose.
package budget

import (
	"github.com/cloudwego/eino/schema"
)

const (
	// charsPerToken is the character-to-token ratio used for estimation.
	charsPerToken = 4

	// DefaultMaxContextTokens is the default input budget in tokens. Ten
	// default-sized chunks (~512 tokens each) plus the prompt fit with room
	// left for the answer in a 16k-context model.
	DefaultMaxContextTokens = 12000

	// messageOverhead is the per-message framing cost in most chat APIs.
	messageOverhead = 4
)

// Estimate returns a rough token count for s using the character heuristic.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateMessages returns the estimated total token count for a slice of
// schema.Message values, summing role + content for each message.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		total += messageOverhead
		total += Estimate(string(m.Role))
		total += Estimate(m.Content)
	}
	return total
}

// TrimPassages drops passages from the end (lowest-ranked first) until the
// estimated size of fixed plus the kept passages fits within maxTokens.
// fixed holds the prompt messages rendered without any context. Passages are
// assumed to be joined by a short separator, counted as one token each.
//
// If fixed alone exceeds the budget every passage is dropped; callers should
// warn separately.
func TrimPassages(fixed []*schema.Message, passages []string, maxTokens int) []string {
	if maxTokens <= 0 {
		return passages
	}

	used := EstimateMessages(fixed)
	for i, p := range passages {
		used += Estimate(p) + 1
		if used > maxTokens {
			return passages[:i]
		}
	}
	return passages
}
