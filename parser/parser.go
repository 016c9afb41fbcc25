package parser

import (
	"strings"

	"spindle/conversation"
)

// Parser converts the accumulating raw text of an assistant response into a
// sequence of segments. Tool invocations are delimited by structured markup:
// the tag name is the tool name and child tags are named parameters, e.g.
//
//	<read_file><path>main.go</path></read_file>
//
// Unknown tags are treated as plain text. The parser is pure and re-entrant:
// Parse can be called after every stream delta with the full buffer so far,
// and segments already reported as non-partial never change on later calls.
type Parser struct {
	tools map[string]bool
}

// New creates a parser that recognizes the given tool names
func New(toolNames []string) *Parser {
	tools := make(map[string]bool, len(toolNames))
	for _, name := range toolNames {
		tools[name] = true
	}
	return &Parser{tools: tools}
}

// Parse re-parses the full accumulated buffer into segments. Only the
// trailing segment may be partial; everything before it is final.
func (p *Parser) Parse(buf string) []conversation.Segment {
	var segs []conversation.Segment
	textStart := 0
	i := 0

	for i < len(buf) {
		lt := strings.IndexByte(buf[i:], '<')
		if lt < 0 {
			break
		}
		lt += i

		if name, contentStart, ok := p.matchOpenTag(buf, lt); ok {
			if lt > textStart {
				segs = append(segs, conversation.TextSegment(buf[textStart:lt], false))
			}
			seg, next := p.parseTool(buf, lt, name, contentStart)
			segs = append(segs, seg)
			if seg.Partial {
				// the invocation runs to the end of the buffer
				return segs
			}
			textStart = next
			i = next
			continue
		}

		if strings.IndexByte(buf[lt:], '>') < 0 {
			// no complete tag can follow; if this could still become a tool
			// tag once more data arrives, hold everything from here as
			// partial trailing text
			break
		}

		i = lt + 1
	}

	if textStart < len(buf) {
		segs = append(segs, conversation.TextSegment(buf[textStart:], true))
	}
	return segs
}

// matchOpenTag reports whether buf[lt:] starts with a complete opening tag
// of a known tool. contentStart is the index just past the '>'.
func (p *Parser) matchOpenTag(buf string, lt int) (name string, contentStart int, ok bool) {
	gt := strings.IndexByte(buf[lt:], '>')
	if gt < 0 {
		return "", 0, false
	}
	name = buf[lt+1 : lt+gt]
	if !p.tools[name] {
		return "", 0, false
	}
	return name, lt + gt + 1, true
}

// parseTool parses a tool invocation starting at the opening tag. If the
// closing tag has not arrived yet the segment is partial and consumes the
// rest of the buffer.
func (p *Parser) parseTool(buf string, start int, name string, contentStart int) (conversation.Segment, int) {
	closing := "</" + name + ">"
	ci := strings.Index(buf[contentStart:], closing)
	if ci < 0 {
		call := &conversation.ToolCall{
			Name:   name,
			Params: parseParams(buf[contentStart:]),
			Raw:    buf[start:],
		}
		return conversation.ToolSegment(call, true), len(buf)
	}

	inner := buf[contentStart : contentStart+ci]
	end := contentStart + ci + len(closing)
	call := &conversation.ToolCall{
		Name:   name,
		Params: parseParams(inner),
		Raw:    buf[start:end],
	}
	return conversation.ToolSegment(call, false), end
}

// parseParams extracts <key>value</key> pairs from the inner content of a
// tool invocation. A parameter whose closing tag is missing (still
// streaming) takes the rest of the content as its value.
func parseParams(inner string) map[string]string {
	params := make(map[string]string)
	i := 0
	for i < len(inner) {
		lt := strings.IndexByte(inner[i:], '<')
		if lt < 0 {
			break
		}
		lt += i
		gt := strings.IndexByte(inner[lt:], '>')
		if gt < 0 {
			break
		}
		name := inner[lt+1 : lt+gt]
		if !validParamName(name) {
			i = lt + 1
			continue
		}
		valStart := lt + gt + 1
		closing := "</" + name + ">"
		ci := strings.Index(inner[valStart:], closing)
		if ci < 0 {
			params[name] = strings.TrimSpace(inner[valStart:])
			break
		}
		params[name] = strings.TrimSpace(inner[valStart : valStart+ci])
		i = valStart + ci + len(closing)
	}
	return params
}

func validParamName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}
