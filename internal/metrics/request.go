package metrics

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/segmentio/encoding/json"

	"github.com/ashita-ai/mamori/internal/model"
)

// Request is the input of one metric evaluation: a stored span and the spans
// below it in its trace. Spans starts with Span itself.
type Request struct {
	Span  model.Span
	Spans []model.Span
}

// NewRequest builds the request for span from the spans of its trace.
func NewRequest(span model.Span, trace []model.Span) Request {
	children := make(map[string][]model.Span)
	for _, s := range trace {
		if s.ParentSpanID != nil && s.SpanID != span.SpanID {
			children[*s.ParentSpanID] = append(children[*s.ParentSpanID], s)
		}
	}
	req := Request{Span: span, Spans: []model.Span{span}}
	seen := map[string]bool{span.SpanID: true}
	for i := 0; i < len(req.Spans); i++ {
		for _, c := range children[req.Spans[i].SpanID] {
			if seen[c.SpanID] {
				continue
			}
			seen[c.SpanID] = true
			req.Spans = append(req.Spans, c)
		}
	}
	return req
}

// Lookup resolves a dotted attribute path in normalized span data. Numeric
// segments index lists. A flat key equal to the whole path wins.
func Lookup(raw map[string]any, path string) (any, bool) {
	if v, ok := raw[path]; ok {
		return v, true
	}
	var cur any = raw
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func lookupString(raw map[string]any, path string) string {
	v, ok := Lookup(raw, path)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func lookupList(raw map[string]any, path string) []any {
	v, _ := Lookup(raw, path)
	list, _ := v.([]any)
	return list
}

// Query is the user input of the span, falling back to the first span below
// it that has one.
func (r Request) Query() string {
	for _, s := range r.Spans {
		if q := spanQuery(s.RawData); q != "" {
			return q
		}
	}
	return ""
}

func spanQuery(raw map[string]any) string {
	msgs := lookupList(raw, "llm.input_messages")
	for i := len(msgs) - 1; i >= 0; i-- {
		m, _ := msgs[i].(map[string]any)
		if lookupString(m, "message.role") == "user" {
			if c := lookupString(m, "message.content"); c != "" {
				return c
			}
		}
	}
	return lookupString(raw, "input.value")
}

// Response is the output of the span, falling back to the first span below
// it that has one.
func (r Request) Response() string {
	for _, s := range r.Spans {
		if out := spanResponse(s.RawData); out != "" {
			return out
		}
	}
	return ""
}

func spanResponse(raw map[string]any) string {
	msgs := lookupList(raw, "llm.output_messages")
	for i := len(msgs) - 1; i >= 0; i-- {
		m, _ := msgs[i].(map[string]any)
		if c := lookupString(m, "message.content"); c != "" {
			return c
		}
	}
	return lookupString(raw, "output.value")
}

// Documents returns the contents of every retrieved document in the request's spans.
func (r Request) Documents() []string {
	var docs []string
	for _, s := range r.Spans {
		for _, d := range lookupList(s.RawData, "retrieval.documents") {
			doc, _ := d.(map[string]any)
			if c := lookupString(doc, "document.content"); c != "" {
				docs = append(docs, c)
			}
		}
	}
	return docs
}

// ToolCall is one function call an LLM chose.
type ToolCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCalls returns the tool calls made in the request's spans.
func (r Request) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, s := range r.Spans {
		for _, m := range lookupList(s.RawData, "llm.output_messages") {
			msg, _ := m.(map[string]any)
			for _, c := range lookupList(msg, "message.tool_calls") {
				call, _ := c.(map[string]any)
				name := lookupString(call, "tool_call.function.name")
				if name == "" {
					continue
				}
				calls = append(calls, ToolCall{Name: name, Arguments: lookupString(call, "tool_call.function.arguments")})
			}
		}
		if strings.EqualFold(lookupString(s.RawData, "openinference.span.kind"), "TOOL") {
			if name := lookupString(s.RawData, "tool.name"); name != "" {
				calls = append(calls, ToolCall{Name: name, Arguments: lookupString(s.RawData, "tool.parameters")})
			}
		}
	}
	return calls
}

// Tools returns the tool definitions offered to the LLM, as JSON text.
func (r Request) Tools() []string {
	var tools []string
	for _, s := range r.Spans {
		for _, t := range lookupList(s.RawData, "llm.tools") {
			tool, _ := t.(map[string]any)
			v, ok := Lookup(tool, "tool.json_schema")
			if !ok {
				continue
			}
			if str, ok := v.(string); ok {
				tools = append(tools, str)
				continue
			}
			if b, err := json.Marshal(v); err == nil {
				tools = append(tools, string(b))
			}
		}
	}
	return tools
}
