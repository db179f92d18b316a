// Package prompt turns a user prompt into the role-tagged context a model
// expects and renders that context into the model's native prompt string.
//
// Model quirks live in a Policy table of Rules. Adding a quirk for a new
// model is a new Rule, never a new branch.
package prompt

import (
	"path"
	"sync"
)

// Role tags a message in a Context.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

// Message is one role-tagged entry of a Context.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Context is the ordered message sequence fed to a Template.
type Context []Message

// Rule prepends messages to the context of every model whose id matches.
// Match is either an exact model id or a path.Match glob such as "*/SmolLM3-*".
type Rule struct {
	Match   string
	Prepend []Message
}

// System is shorthand for a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// DefaultRules are the built-in quirks.
func DefaultRules() []Rule {
	return []Rule{
		// SmolLM3 reasons out loud unless told not to.
		{Match: "mlx-community/SmolLM3-3B-4bit", Prepend: []Message{System("/no_think")}},
	}
}

// Policy is the per-model override table. It is safe for concurrent use.
type Policy struct {
	mu    sync.RWMutex
	exact map[string][]Message
	globs []Rule
}

// NewPolicy builds a table from rules. Later rules for the same exact id
// replace earlier ones; globs keep their order.
func NewPolicy(rules ...Rule) *Policy {
	p := &Policy{exact: make(map[string][]Message)}
	for _, r := range rules {
		p.Add(r)
	}
	return p
}

// Add inserts a rule into the table.
func (p *Policy) Add(r Rule) {
	if r.Match == "" {
		return
	}
	msgs := append([]Message(nil), r.Prepend...)
	p.mu.Lock()
	defer p.mu.Unlock()
	if isGlob(r.Match) {
		p.globs = append(p.globs, Rule{Match: r.Match, Prepend: msgs})
		return
	}
	p.exact[r.Match] = msgs
}

// Format builds the context for prompt under modelID's rule, if any.
func (p *Policy) Format(modelID, prompt string) Context {
	pre := p.lookup(modelID)
	ctx := make(Context, 0, len(pre)+1)
	ctx = append(ctx, pre...)
	return append(ctx, Message{Role: RoleUser, Content: prompt})
}

func (p *Policy) lookup(modelID string) []Message {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if msgs, ok := p.exact[modelID]; ok {
		return msgs
	}
	for _, r := range p.globs {
		if ok, err := path.Match(r.Match, modelID); err == nil && ok {
			return r.Prepend
		}
	}
	return nil
}

func isGlob(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', '\\':
			return true
		}
	}
	return false
}
