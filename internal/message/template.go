// Package message renders the text of outbound customer messages.
package message

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	varRe      = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)
	ifOpenRe   = regexp.MustCompile(`\{\{#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)
	ifCloseStr = "{{/if}}"
)

// Vars maps placeholder names to values.
type Vars map[string]string

// Render expands {{name}} placeholders. {{#if name}}...{{/if}} keeps its body
// only when name is set and non-empty. A placeholder with no value is an
// error so a customer never receives a half-filled message.
func Render(tmpl string, vars Vars) (string, error) {
	out, err := expandConditionals(tmpl, vars)
	if err != nil {
		return "", err
	}

	var missing []string
	out = varRe.ReplaceAllStringFunc(out, func(match string) string {
		name := varRe.FindStringSubmatch(match)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing message variables: %s", strings.Join(missing, ", "))
	}
	return strings.TrimSpace(out), nil
}

// expandConditionals resolves the innermost block first, so blocks nest.
func expandConditionals(tmpl string, vars Vars) (string, error) {
	out := tmpl
	for {
		closeIdx := strings.Index(out, ifCloseStr)
		if closeIdx == -1 {
			break
		}
		opens := ifOpenRe.FindAllStringSubmatchIndex(out[:closeIdx], -1)
		if opens == nil {
			return "", fmt.Errorf("{{/if}} without a matching {{#if}}")
		}
		last := opens[len(opens)-1]
		start, end := last[0], last[1]
		name := out[last[2]:last[3]]

		body := ""
		if vars[name] != "" {
			body = out[end:closeIdx]
		}
		out = out[:start] + body + out[closeIdx+len(ifCloseStr):]
	}
	if loc := ifOpenRe.FindString(out); loc != "" {
		return "", fmt.Errorf("unclosed conditional block: %s", loc)
	}
	return out, nil
}

// Store resolves templates by name, preferring files in an override
// directory over the built-in set.
type Store struct {
	dir string
}

// NewStore returns a Store reading overrides from dir. An empty dir uses the
// built-in templates only.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Lookup returns the template called name.
func (s *Store) Lookup(name string) (string, error) {
	if s != nil && s.dir != "" {
		path := filepath.Join(s.dir, name+".txt")
		absPath, err := filepath.Abs(path)
		if err == nil {
			absDir, err2 := filepath.Abs(s.dir)
			if err2 == nil && !strings.HasPrefix(absPath, absDir+string(filepath.Separator)) {
				return "", fmt.Errorf("template name %q escapes %s", name, s.dir)
			}
		}
		if data, err := os.ReadFile(path); err == nil {
			return string(data), nil
		}
	}
	if t, ok := builtin[name]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown message template %q", name)
}

// Render looks up name and renders it with vars.
func (s *Store) Render(name string, vars Vars) (string, error) {
	tmpl, err := s.Lookup(name)
	if err != nil {
		return "", err
	}
	return Render(tmpl, vars)
}
