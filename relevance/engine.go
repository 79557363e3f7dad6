// Package relevance scores the tool catalog against the user's latest text
// and selects the bounded, ranked subset offered to the model each turn.
// Scoring is additive and order-independent; scores are recomputed per turn
// and never persisted.
package relevance

import (
	"sort"
	"strings"

	"github.com/arbor-labs/toolbridge/core"
)

// Boost weights for the scoring passes.
const (
	keywordBothBoost   = 8.0
	keywordToolBoost   = 1.0
	synonymBoost       = 4.0
	fuzzyBoost         = 3.0
	trigramWeight      = 5.0
	maxFuzzyDistance   = 2
	minFuzzyWordLength = 4
)

// DomainRule is a hand-tuned cross-cutting association: when the user text
// matches UserPattern and the tool text matches ToolPattern, Boost is added.
type DomainRule struct {
	ToolPattern string
	UserPattern string
	Boost       float64
}

// Config tunes the engine. Zero values fall back to the defaults.
type Config struct {
	TriggerKeywords []string
	SynonymGroups   [][]string
	DomainRules     []DomainRule
}

// DefaultConfig returns the stock trigger keywords, synonym groups, and
// domain rules.
func DefaultConfig() Config {
	return Config{
		TriggerKeywords: []string{
			"file", "read", "write", "list", "search", "create", "save",
			"delete", "directory", "folder", "open", "fetch", "find", "run",
		},
		SynonymGroups: [][]string{
			{"file", "document", "doc"},
			{"directory", "folder", "dir"},
			{"search", "find", "lookup", "query"},
			{"create", "make", "generate", "new"},
			{"write", "save", "store"},
			{"read", "open", "show", "view", "display"},
			{"delete", "remove", "erase"},
		},
		DomainRules: []DomainRule{
			{ToolPattern: "file", UserPattern: "save", Boost: 3},
			{ToolPattern: "file", UserPattern: "note", Boost: 2},
			{ToolPattern: "dir", UserPattern: "browse", Boost: 2},
			{ToolPattern: "search", UserPattern: "where", Boost: 2},
		},
	}
}

// Scored pairs a tool with its per-turn score.
type Scored struct {
	Tool  core.ToolDescriptor
	Score float64
}

// Selection is the ranked, truncated subset offered to the model. Fallback
// reports that nothing scored positive and the catalog head was used
// instead, so unanticipated phrasing never hides every tool.
type Selection struct {
	Tools    []core.ToolDescriptor
	Fallback bool
}

// Engine ranks catalogs. Safe for concurrent use; it holds no per-turn state.
type Engine struct {
	keywords []string
	synonyms [][]string
	rules    []DomainRule
}

// NewEngine creates an engine from cfg, filling unset fields from
// DefaultConfig.
func NewEngine(cfg Config) *Engine {
	defaults := DefaultConfig()
	if len(cfg.TriggerKeywords) == 0 {
		cfg.TriggerKeywords = defaults.TriggerKeywords
	}
	if len(cfg.SynonymGroups) == 0 {
		cfg.SynonymGroups = defaults.SynonymGroups
	}
	if cfg.DomainRules == nil {
		cfg.DomainRules = defaults.DomainRules
	}

	keywords := make([]string, 0, len(cfg.TriggerKeywords))
	for _, kw := range cfg.TriggerKeywords {
		keywords = append(keywords, Normalize(kw))
	}
	synonyms := make([][]string, 0, len(cfg.SynonymGroups))
	for _, group := range cfg.SynonymGroups {
		normalized := make([]string, 0, len(group))
		for _, word := range group {
			normalized = append(normalized, Normalize(word))
		}
		synonyms = append(synonyms, normalized)
	}

	return &Engine{
		keywords: keywords,
		synonyms: synonyms,
		rules:    cfg.DomainRules,
	}
}

// HasTriggerKeyword reports whether the user text contains any configured
// trigger keyword. The orchestrator uses this to gate heuristic retries.
func (e *Engine) HasTriggerKeyword(userText string) bool {
	words := tokenSet(Tokenize(userText))
	for _, kw := range e.keywords {
		if _, ok := words[kw]; ok {
			return true
		}
	}
	return false
}

// Rank scores every tool against the user text, descending. Ties keep
// catalog order.
func (e *Engine) Rank(tools []core.ToolDescriptor, userText string) []Scored {
	userNorm := Normalize(userText)
	userWords := tokenSet(Tokenize(userText))
	expanded := e.expandSynonyms(userWords)

	scored := make([]Scored, len(tools))
	for i, tool := range tools {
		scored[i] = Scored{Tool: tool, Score: e.score(tool, userNorm, userWords, expanded)}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	return scored
}

// Select ranks and truncates the catalog to at most max tools. When at least
// one tool scores positive only positive-scoring tools are kept; otherwise
// the head of the catalog in merged order is returned flagged as a fallback.
func (e *Engine) Select(tools []core.ToolDescriptor, userText string, max int) Selection {
	if max <= 0 || max > len(tools) {
		max = len(tools)
	}

	ranked := e.Rank(tools, userText)

	positive := make([]core.ToolDescriptor, 0, len(ranked))
	for _, s := range ranked {
		if s.Score > 0 {
			positive = append(positive, s.Tool)
		}
	}

	if len(positive) == 0 {
		head := make([]core.ToolDescriptor, max)
		copy(head, tools[:max])
		return Selection{Tools: head, Fallback: true}
	}

	if len(positive) > max {
		positive = positive[:max]
	}
	return Selection{Tools: positive}
}

func (e *Engine) score(tool core.ToolDescriptor, userNorm string, userWords map[string]struct{}, expanded map[string]struct{}) float64 {
	toolText := toolSearchText(tool)
	toolWords := tokenSet(Tokenize(toolText))

	var score float64

	// Keyword pass: shared trigger keywords dominate; keywords only in the
	// tool text nudge.
	for _, kw := range e.keywords {
		_, inTool := toolWords[kw]
		if !inTool {
			continue
		}
		if _, inUser := userWords[kw]; inUser {
			score += keywordBothBoost
		} else {
			score += keywordToolBoost
		}
	}

	// Synonym expansion of the user's words.
	for word := range expanded {
		if _, ok := userWords[word]; ok {
			continue // counted by the keyword pass when it is a trigger
		}
		if _, ok := toolWords[word]; ok {
			score += synonymBoost
		}
	}

	// Fuzzy match of tool words against user words, inversely proportional
	// to edit distance.
	for toolWord := range toolWords {
		if len(toolWord) < minFuzzyWordLength {
			continue
		}
		best := maxFuzzyDistance + 1
		for userWord := range userWords {
			if len(userWord) < minFuzzyWordLength {
				continue
			}
			if d := editDistance(toolWord, userWord); d < best {
				best = d
			}
		}
		if best >= 1 && best <= maxFuzzyDistance {
			score += fuzzyBoost / float64(1+best)
		}
	}

	// Character-trigram similarity as a language-agnostic fallback signal.
	score += trigramWeight * trigramJaccard(toolText, userNorm)

	// Hand-tuned domain rules.
	toolNorm := Normalize(toolText)
	for _, rule := range e.rules {
		if strings.Contains(toolNorm, Normalize(rule.ToolPattern)) &&
			strings.Contains(userNorm, Normalize(rule.UserPattern)) {
			score += rule.Boost
		}
	}

	return score
}

func (e *Engine) expandSynonyms(userWords map[string]struct{}) map[string]struct{} {
	expanded := make(map[string]struct{})
	for _, group := range e.synonyms {
		hit := false
		for _, word := range group {
			if _, ok := userWords[word]; ok {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		for _, word := range group {
			expanded[word] = struct{}{}
		}
	}
	return expanded
}

// toolSearchText flattens a descriptor into one scoring string. Parameter
// names are sorted so the text, and every score derived from it, is stable
// across runs.
func toolSearchText(tool core.ToolDescriptor) string {
	names := make([]string, 0, len(tool.Params))
	for name := range tool.Params {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := []string{tool.Name, tool.Description}
	for _, name := range names {
		parts = append(parts, name, tool.Params[name].Description)
	}
	return strings.Join(parts, " ")
}

func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		set[token] = struct{}{}
	}
	return set
}
