// Package templates renders stored message templates against a variable
// bag built from the execution context.
//
// Template text is admin-authored and trusted; it is emitted as written.
// Every value substituted into it comes from the context and is
// HTML-escaped. RenderUserText is the only way to emit other untrusted text.
package templates

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strings"

	"github.com/matt-riley/admin3-rules/internal/core"
)

// FunctionCaller invokes a registry function. Templates always call in
// dry-run mode.
type FunctionCaller interface {
	Call(ctx context.Context, name string, args []json.RawMessage, data any, dryRun bool) (any, error)
}

// ExtractSeparator joins filter+extract values.
const ExtractSeparator = ", "

var tokenPattern = regexp.MustCompile(`\{\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*)\s*\}`)

// Processor builds variable bags and renders templates.
type Processor struct {
	functions FunctionCaller
	logger    *slog.Logger
}

type Option func(*Processor)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New returns a Processor. functions may be nil when no mapping uses fn.
func New(functions FunctionCaller, opts ...Option) *Processor {
	p := &Processor{functions: functions, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Rendered is the output of one template render.
type Rendered struct {
	Title string
	Body  json.RawMessage
}

// BuildVariables resolves every entry of mapping against data.
func (p *Processor) BuildVariables(ctx context.Context, mapping core.ContextMapping, data any) (map[string]any, error) {
	vars := make(map[string]any, len(mapping))
	for name, source := range mapping {
		value, err := p.resolve(ctx, source, data)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
		}
		if isEmpty(value) {
			if source.Default == nil {
				p.logger.DebugContext(ctx, "template variable resolved empty", "variable", name)
			} else {
				value = source.Default
			}
		}
		vars[name] = value
	}
	return vars, nil
}

func (p *Processor) resolve(ctx context.Context, source core.VariableSource, data any) (any, error) {
	switch {
	case source.Fn != "":
		if p.functions == nil {
			return nil, fmt.Errorf("function %q called with no registry", source.Fn)
		}
		return p.functions.Call(ctx, source.Fn, source.Args, data, true)
	case source.Source != "":
		return FilterExtract(data, source.Source, source.Filter, source.Extract)
	default:
		value, _ := core.Lookup(data, source.Path)
		return value, nil
	}
}

// FilterExtract selects the items of the collection at sourcePath for which
// filter holds, extracts extractPath from each and joins the distinct
// non-empty values in first-seen order. A nil filter keeps every item.
func FilterExtract(data any, sourcePath string, filter *core.Condition, extractPath string) (string, error) {
	raw, ok := core.Lookup(data, sourcePath)
	if !ok || raw == nil {
		return "", nil
	}
	items, ok := raw.([]any)
	if !ok {
		return "", fmt.Errorf("source %q is not a list", sourcePath)
	}

	seen := make(map[string]struct{}, len(items))
	values := make([]string, 0, len(items))
	for i, item := range items {
		if filter != nil {
			matched, err := filter.Evaluate(item)
			if err != nil {
				return "", fmt.Errorf("filter on %s[%d]: %w", sourcePath, i, err)
			}
			if !matched {
				continue
			}
		}
		extracted, ok := core.Lookup(item, extractPath)
		if !ok {
			continue
		}
		text := core.Stringify(extracted)
		if text == "" {
			continue
		}
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = struct{}{}
		values = append(values, text)
	}
	return strings.Join(values, ExtractSeparator), nil
}

// RenderTrustedTemplate substitutes {name} and {a.b.c} tokens in the title
// and content of tmpl. Tokens resolve against vars first, then against
// data. Substituted values are escaped; unresolved tokens render empty.
func (p *Processor) RenderTrustedTemplate(tmpl core.Template, vars map[string]any, data any) (Rendered, error) {
	title := substitute(tmpl.Title, vars, data)

	switch tmpl.ContentFormat {
	case core.ContentFormatJSON:
		tree, err := core.DecodeJSON([]byte(tmpl.Content))
		if err != nil {
			return Rendered{}, fmt.Errorf("template %q: decode json content: %w", tmpl.Name, err)
		}
		body, err := marshal(substituteTree(tree, vars, data))
		if err != nil {
			return Rendered{}, fmt.Errorf("template %q: encode json content: %w", tmpl.Name, err)
		}
		return Rendered{Title: title, Body: body}, nil
	case core.ContentFormatHTML, "":
		body, err := marshal(substitute(tmpl.Content, vars, data))
		if err != nil {
			return Rendered{}, fmt.Errorf("template %q: encode content: %w", tmpl.Name, err)
		}
		return Rendered{Title: title, Body: body}, nil
	default:
		return Rendered{}, fmt.Errorf("template %q: unknown content_format %q", tmpl.Name, tmpl.ContentFormat)
	}
}

// marshal encodes without Go's default \u003c escaping; values are already
// HTML-escaped.
func marshal(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// RenderUserText escapes text that did not come from a trusted template.
func RenderUserText(text string) string {
	return html.EscapeString(text)
}

func substituteTree(node any, vars map[string]any, data any) any {
	switch v := node.(type) {
	case string:
		return substitute(v, vars, data)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = substituteTree(item, vars, data)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = substituteTree(item, vars, data)
		}
		return out
	default:
		return node
	}
}

func substitute(text string, vars map[string]any, data any) string {
	if !strings.Contains(text, "{") {
		return text
	}
	return tokenPattern.ReplaceAllStringFunc(text, func(token string) string {
		name := strings.TrimSpace(token[1 : len(token)-1])
		return RenderUserText(core.Stringify(lookupToken(name, vars, data)))
	})
}

func lookupToken(name string, vars map[string]any, data any) any {
	if value, ok := vars[name]; ok {
		return value
	}
	head, rest, nested := strings.Cut(name, ".")
	if nested {
		if value, ok := vars[head]; ok {
			if resolved, ok := core.Lookup(value, rest); ok {
				return resolved
			}
		}
	}
	value, _ := core.Lookup(data, name)
	return value
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil, core.Missing:
		return true
	case string:
		return v == ""
	default:
		return false
	}
}
