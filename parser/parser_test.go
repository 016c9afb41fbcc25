package parser

import (
	"strings"
	"testing"

	"spindle/conversation"
)

func newTestParser() *Parser {
	return New([]string{"read_file", "write_file", "attempt_completion"})
}

func TestParsePlainText(t *testing.T) {
	p := newTestParser()

	segs := p.Parse("just some commentary")
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	if segs[0].Type != conversation.SegmentText {
		t.Errorf("expected text segment, got %s", segs[0].Type)
	}
	if segs[0].Text != "just some commentary" {
		t.Errorf("unexpected text: %q", segs[0].Text)
	}
	if !segs[0].Partial {
		t.Errorf("trailing text should be partial while streaming")
	}
}

func TestParseCompleteTool(t *testing.T) {
	p := newTestParser()

	buf := "Let me look.\n<read_file>\n<path>main.go</path>\n</read_file>"
	segs := p.Parse(buf)
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segs))
	}

	if segs[0].Type != conversation.SegmentText || segs[0].Partial {
		t.Errorf("text before a recognized tool should be finalized")
	}

	tool := segs[1]
	if tool.Type != conversation.SegmentToolUse {
		t.Fatalf("expected tool segment, got %s", tool.Type)
	}
	if tool.Partial {
		t.Errorf("closed invocation should not be partial")
	}
	if tool.Tool.Name != "read_file" {
		t.Errorf("expected read_file, got %s", tool.Tool.Name)
	}
	if got := tool.Tool.Param("path"); got != "main.go" {
		t.Errorf("expected path=main.go, got %q", got)
	}
	if !strings.HasPrefix(tool.Tool.Raw, "<read_file>") || !strings.HasSuffix(tool.Tool.Raw, "</read_file>") {
		t.Errorf("raw markup not preserved: %q", tool.Tool.Raw)
	}
}

func TestParsePartialTool(t *testing.T) {
	p := newTestParser()

	segs := p.Parse("<write_file>\n<path>a.txt</path>\n<content>hel")
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	if segs[0].Type != conversation.SegmentToolUse || !segs[0].Partial {
		t.Fatalf("expected partial tool segment")
	}
	if got := segs[0].Tool.Param("path"); got != "a.txt" {
		t.Errorf("expected path=a.txt, got %q", got)
	}
	// the unterminated parameter takes the rest of the content
	if got := segs[0].Tool.Param("content"); got != "hel" {
		t.Errorf("expected content=hel, got %q", got)
	}
}

func TestParseUnknownTagIsText(t *testing.T) {
	p := newTestParser()

	segs := p.Parse("see <code>x</code> for details")
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	if segs[0].Type != conversation.SegmentText {
		t.Errorf("unknown tags should stay text")
	}
	if !strings.Contains(segs[0].Text, "<code>x</code>") {
		t.Errorf("unknown markup should be preserved verbatim: %q", segs[0].Text)
	}
}

func TestParseMultipleTools(t *testing.T) {
	p := newTestParser()

	buf := "<read_file><path>a</path></read_file>middle<read_file><path>b</path></read_file>"
	segs := p.Parse(buf)
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segs))
	}
	if segs[0].Tool.Param("path") != "a" || segs[2].Tool.Param("path") != "b" {
		t.Errorf("tool order not preserved")
	}
	if segs[1].Type != conversation.SegmentText || segs[1].Text != "middle" {
		t.Errorf("text between tools mangled: %+v", segs[1])
	}
}

// TestParsePrefixStability feeds a response in one-byte increments and checks
// that segments reported as final never change on later parses.
func TestParsePrefixStability(t *testing.T) {
	p := newTestParser()

	full := "Thinking.\n<read_file>\n<path>go.mod</path>\n</read_file>\nDone. <attempt_completion><result>ok</result></attempt_completion>"

	var finalized []conversation.Segment
	for i := 1; i <= len(full); i++ {
		segs := p.Parse(full[:i])

		var final []conversation.Segment
		for _, s := range segs {
			if s.Partial {
				break
			}
			final = append(final, s)
		}

		if len(final) < len(finalized) {
			t.Fatalf("at %d bytes: finalized segment count went backwards (%d -> %d)", i, len(finalized), len(final))
		}
		for j := range finalized {
			if !segmentsEqual(finalized[j], final[j]) {
				t.Fatalf("at %d bytes: finalized segment %d changed: %+v -> %+v", i, j, finalized[j], final[j])
			}
		}
		finalized = final
	}

	if len(finalized) != 4 {
		t.Fatalf("expected 4 finalized segments at end, got %d", len(finalized))
	}
}

func segmentsEqual(a, b conversation.Segment) bool {
	if a.Type != b.Type || a.Text != b.Text {
		return false
	}
	if (a.Tool == nil) != (b.Tool == nil) {
		return false
	}
	if a.Tool != nil {
		if a.Tool.Name != b.Tool.Name || a.Tool.Raw != b.Tool.Raw {
			return false
		}
		if len(a.Tool.Params) != len(b.Tool.Params) {
			return false
		}
		for k, v := range a.Tool.Params {
			if b.Tool.Params[k] != v {
				return false
			}
		}
	}
	return true
}
