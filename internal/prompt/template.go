package prompt

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyContext is returned when rendering a context with no user turn.
var ErrEmptyContext = errors.New("prompt context has no user message")

// Template renders a Context into a model's native prompt string, ending
// with the marker that asks the model for its reply.
type Template struct {
	Name   string
	stop   []string
	render func(b *strings.Builder, system []string, user []string)
}

// Stop returns the end-of-turn markers for this template.
func (t Template) Stop() []string { return append([]string(nil), t.stop...) }

// Apply renders c. System messages are hoisted in order ahead of the user turns.
func (t Template) Apply(c Context) (string, error) {
	if t.render == nil {
		return "", fmt.Errorf("template %q is not initialized", t.Name)
	}
	var system, user []string
	for _, m := range c {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleUser:
			user = append(user, m.Content)
		default:
			return "", fmt.Errorf("unsupported role %q", m.Role)
		}
	}
	if len(user) == 0 {
		return "", ErrEmptyContext
	}
	var b strings.Builder
	t.render(&b, system, user)
	return b.String(), nil
}

var templates = map[string]Template{
	"chatml": {
		Name: "chatml",
		stop: []string{"<|im_end|>"},
		render: func(b *strings.Builder, system, user []string) {
			for _, s := range system {
				fmt.Fprintf(b, "<|im_start|>system\n%s<|im_end|>\n", s)
			}
			for _, u := range user {
				fmt.Fprintf(b, "<|im_start|>user\n%s<|im_end|>\n", u)
			}
			b.WriteString("<|im_start|>assistant\n")
		},
	},
	"llama3": {
		Name: "llama3",
		stop: []string{"<|eot_id|>"},
		render: func(b *strings.Builder, system, user []string) {
			for _, s := range system {
				fmt.Fprintf(b, "<|start_header_id|>system<|end_header_id|>\n\n%s<|eot_id|>", s)
			}
			for _, u := range user {
				fmt.Fprintf(b, "<|start_header_id|>user<|end_header_id|>\n\n%s<|eot_id|>", u)
			}
			b.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")
		},
	},
	// Gemma has no system role; system text is folded into the first user turn.
	"gemma": {
		Name: "gemma",
		stop: []string{"<end_of_turn>"},
		render: func(b *strings.Builder, system, user []string) {
			for i, u := range user {
				if i == 0 && len(system) > 0 {
					u = strings.Join(system, "\n") + "\n\n" + u
				}
				fmt.Fprintf(b, "<start_of_turn>user\n%s<end_of_turn>\n", u)
			}
			b.WriteString("<start_of_turn>model\n")
		},
	},
	"phi3": {
		Name: "phi3",
		stop: []string{"<|end|>"},
		render: func(b *strings.Builder, system, user []string) {
			for _, s := range system {
				fmt.Fprintf(b, "<|system|>\n%s<|end|>\n", s)
			}
			for _, u := range user {
				fmt.Fprintf(b, "<|user|>\n%s<|end|>\n", u)
			}
			b.WriteString("<|assistant|>\n")
		},
	},
	"mistral": {
		Name: "mistral",
		stop: []string{"</s>"},
		render: func(b *strings.Builder, system, user []string) {
			for i, u := range user {
				if i == 0 && len(system) > 0 {
					u = strings.Join(system, "\n") + "\n\n" + u
				}
				fmt.Fprintf(b, "[INST] %s [/INST]", u)
			}
		},
	},
	"plain": {
		Name: "plain",
		render: func(b *strings.Builder, system, user []string) {
			parts := append(append([]string(nil), system...), user...)
			b.WriteString(strings.Join(parts, "\n\n"))
		},
	},
}

// LookupTemplate returns the named template.
func LookupTemplate(name string) (Template, bool) {
	t, ok := templates[strings.ToLower(strings.TrimSpace(name))]
	return t, ok
}

// TemplateNames lists the known template names.
func TemplateNames() []string {
	return []string{"chatml", "gemma", "llama3", "mistral", "phi3", "plain"}
}

// familyHints maps substrings of a family or model id to a template, in priority order.
var familyHints = []struct{ hint, template string }{
	{"llama-3", "llama3"},
	{"llama3", "llama3"},
	{"gemma", "gemma"},
	{"phi", "phi3"},
	{"mistral", "mistral"},
	{"ministral", "mistral"},
	{"qwen", "chatml"},
	{"smollm", "chatml"},
}

// DetectTemplate picks a template by explicit name, then family, then id. It
// falls back to chatml.
func DetectTemplate(name, family, modelID string) Template {
	if t, ok := LookupTemplate(name); ok {
		return t
	}
	for _, s := range []string{family, modelID} {
		s = strings.ToLower(s)
		if s == "" {
			continue
		}
		for _, h := range familyHints {
			if strings.Contains(s, h.hint) {
				return templates[h.template]
			}
		}
	}
	return templates["chatml"]
}
