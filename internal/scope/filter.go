// Package scope decides whether a generated answer is grounded in the essay
// corpus and swaps ungrounded answers for a fixed scope-limitation message.
package scope

import (
	"math/rand/v2"
	"slices"
	"strings"
	"unicode/utf8"
)

// Rule names reported in a Decision.
const (
	RuleRefusal = "refusal"
	RuleKeyword = "keyword"
	RuleLength  = "too_short"
	RuleHedge   = "attribution"
	RuleDefault = "default"
)

// Rules are the phrase lists and thresholds the filter applies. All phrase
// matching is case-insensitive substring matching.
type Rules struct {
	// Refusals mark an answer as not grounded.
	Refusals []string
	// Keywords are in-domain terms; a hit in the answer or question grounds it.
	Keywords []string
	// MinLength is the trimmed answer length (in characters) below which an
	// answer without keywords is not grounded.
	MinLength int
	// Hedges are attribution phrases that ground a long enough answer.
	Hedges []string
	// Templates are the scope-limitation messages shown instead of an
	// ungrounded answer.
	Templates []string
}

// DefaultRules returns the lists tuned for Paul Graham's essays.
func DefaultRules() Rules {
	return Rules{
		Refusals: []string{
			"i don't know",
			"i'm not sure",
			"i don't have information",
			"i cannot find",
			"no information",
			"not mentioned",
			"unclear",
			"i apologize",
			"i'm sorry",
			"i don't have access",
			"based on general knowledge",
			"in general",
			"typically",
			"i don't have information about this topic in paul graham's essays",
		},
		Keywords: []string{
			"paul graham", "y combinator", "yc", "startup", "lisp", "viaweb",
			"hacker", "programming", "essay", "venture capital", "silicon valley",
			"founder", "entrepreneur", "technology", "software", "computer science",
			"arc", "painting", "art", "harvard", "mit", "writer", "investor",
		},
		MinLength: 50,
		Hedges: []string{
			"according to", "mentioned", "discussed", "explained", "wrote about",
			"believes", "argues", "suggests", "recommends", "experience", "opinion",
		},
		Templates: []string{
			"I'm sorry, but I can only provide information based on Paul Graham's essays. Please ask me about topics related to startups, programming, Y Combinator, or other subjects Paul Graham has written about.",
			"I specialize in answering questions about Paul Graham's essays and insights. Could you please ask something related to startups, programming, entrepreneurship, or other topics he's covered in his writings?",
			"My knowledge is limited to Paul Graham's essays and writings. I'd be happy to help with questions about startups, Y Combinator, programming languages, or other topics he's discussed.",
			"I can only answer questions based on Paul Graham's essays. Please feel free to ask about startups, programming, venture capital, or any other topics from his writings.",
			"I'm designed to answer questions specifically about Paul Graham's essays and insights. Could you ask something related to entrepreneurship, programming, or other subjects he's written about?",
		},
	}
}

// Decision is the outcome of classifying one answer.
type Decision struct {
	// Grounded is true when the answer may be shown as-is.
	Grounded bool
	// Rule names the rule that decided.
	Rule string
	// Match is the phrase that triggered Rule, if any.
	Match string
}

// Filter applies Rules. It is immutable after New and safe for concurrent use
// as long as the picker is.
type Filter struct {
	// rules holds lowercased phrase lists.
	rules Rules
	// pick returns a uniform index in [0, n).
	pick func(n int) int
}

// Option configures a Filter.
type Option func(*Filter)

// WithPicker replaces the template picker. Tests use it for deterministic
// selection.
func WithPicker(pick func(n int) int) Option {
	return func(f *Filter) { f.pick = pick }
}

// WithKeywords replaces the in-domain keyword list when kw is non-empty.
func WithKeywords(kw []string) Option {
	return func(f *Filter) {
		if len(kw) > 0 {
			f.rules.Keywords = lower(kw)
		}
	}
}

// New returns a Filter for rules. An empty template list is replaced by the
// DefaultRules templates.
func New(rules Rules, opts ...Option) *Filter {
	if len(rules.Templates) == 0 {
		rules.Templates = DefaultRules().Templates
	}
	f := &Filter{
		rules: Rules{
			Refusals:  lower(rules.Refusals),
			Keywords:  lower(rules.Keywords),
			MinLength: rules.MinLength,
			Hedges:    lower(rules.Hedges),
			Templates: slices.Clone(rules.Templates),
		},
		pick: rand.IntN,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Decide runs the rules in order; the first match wins.
func (f *Filter) Decide(answer, question string) Decision {
	a := strings.ToLower(answer)
	q := strings.ToLower(question)

	if p, ok := containsAny(a, f.rules.Refusals); ok {
		return Decision{Grounded: false, Rule: RuleRefusal, Match: p}
	}
	if p, ok := containsAny(a, f.rules.Keywords); ok {
		return Decision{Grounded: true, Rule: RuleKeyword, Match: p}
	}
	if p, ok := containsAny(q, f.rules.Keywords); ok {
		return Decision{Grounded: true, Rule: RuleKeyword, Match: p}
	}
	if utf8.RuneCountInString(strings.TrimSpace(answer)) < f.rules.MinLength {
		return Decision{Grounded: false, Rule: RuleLength}
	}
	if p, ok := containsAny(a, f.rules.Hedges); ok {
		return Decision{Grounded: true, Rule: RuleHedge, Match: p}
	}
	return Decision{Grounded: false, Rule: RuleDefault}
}

// Classify reports whether answer is grounded in the corpus.
func (f *Filter) Classify(answer, question string) bool {
	return f.Decide(answer, question).Grounded
}

// Apply returns answer unchanged when grounded, otherwise a uniformly chosen
// template. The bool reports whether the answer was grounded.
func (f *Filter) Apply(answer, question string) (string, bool) {
	if f.Classify(answer, question) {
		return answer, true
	}
	return f.Template(), false
}

// Template returns one scope-limitation message.
func (f *Filter) Template() string {
	return f.rules.Templates[f.pick(len(f.rules.Templates))]
}

// Templates returns a copy of the scope-limitation messages.
func (f *Filter) Templates() []string {
	return slices.Clone(f.rules.Templates)
}

func containsAny(s string, phrases []string) (string, bool) {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return p, true
		}
	}
	return "", false
}

func lower(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
