package cmd

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/inercia/parley/internal/protocol"
	"github.com/inercia/parley/internal/transcript"
)

// renderer prints a transcript incrementally: every update prints only what
// has not been printed yet, so replays and resyncs never repeat output.
type renderer struct {
	mu      sync.Mutex
	out     io.Writer
	printed map[int64]int
	closed  map[int64]bool
	tools   map[string]protocol.ToolStatus
	cards   map[string]transcript.CardStatus
	notices int
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{
		out:     out,
		printed: make(map[int64]int),
		closed:  make(map[int64]bool),
		tools:   make(map[string]protocol.ToolStatus),
		cards:   make(map[string]transcript.CardStatus),
	}
}

func (r *renderer) update(st transcript.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for ; r.notices < len(st.Notices); r.notices++ {
		n := st.Notices[r.notices]
		fmt.Fprintf(r.out, "\nℹ️  %s: %s\n", n.Kind, n.Message)
	}
	for _, t := range st.Turns {
		if t.Role != transcript.RoleAssistant {
			continue
		}
		r.turn(t)
	}
}

func (r *renderer) turn(t transcript.Turn) {
	for _, p := range t.Parts {
		switch p.Kind {
		case transcript.PartTool:
			if r.tools[p.Tool.ID] != p.Tool.Status {
				r.tools[p.Tool.ID] = p.Tool.Status
				fmt.Fprintf(r.out, "\n🔧 %s [%s]%s\n", p.Tool.Name, p.Tool.Status, toolSuffix(p.Tool))
			}
		case transcript.PartInputRequest:
			c := p.Card
			if r.cards[c.QuestionID] == c.Status && c.Error == "" {
				continue
			}
			r.cards[c.QuestionID] = c.Status
			switch c.Status {
			case transcript.CardAwaiting:
				fmt.Fprintf(r.out, "\n❓ [%s] %s\n", c.QuestionID, c.Question)
				if len(c.Options) > 0 {
					fmt.Fprintf(r.out, "   options: %s\n", strings.Join(c.Options, ", "))
				}
				if c.Error != "" {
					fmt.Fprintf(r.out, "   ❌ %s\n", c.Error)
				}
			case transcript.CardAcknowledged:
				fmt.Fprintf(r.out, "   ✅ answered %q\n", c.Answer)
			case transcript.CardError:
				fmt.Fprintf(r.out, "   ❌ %s\n", c.Error)
			}
		}
	}

	text := t.Text()
	if n := r.printed[t.ID]; len(text) > n {
		fmt.Fprint(r.out, text[n:])
		r.printed[t.ID] = len(text)
	}

	if !t.Open && !r.closed[t.ID] {
		r.closed[t.ID] = true
		switch {
		case t.Error != "":
			fmt.Fprintf(r.out, "\n❌ %s\n", t.Error)
		case t.StopReason == protocol.StopCancelled:
			fmt.Fprintln(r.out, "\n⏹  cancelled")
		default:
			fmt.Fprintln(r.out)
		}
	}
}

func toolSuffix(t transcript.ToolInvocation) string {
	switch {
	case t.Reason != "":
		return " " + t.Reason
	case t.Status == protocol.ToolCompleted || t.Status == protocol.ToolFailed:
		if res := t.ResultText(); res != "" && len(res) <= 200 {
			return " " + res
		}
	}
	return ""
}

// printTranscript writes a whole transcript, user turns included.
func printTranscript(out io.Writer, st transcript.State) {
	r := newRenderer(out)
	for _, t := range st.Turns {
		if t.Role == transcript.RoleUser {
			fmt.Fprintf(out, "\n👤 [%d] %s\n", t.ID, t.Text())
			continue
		}
		fmt.Fprintf(out, "🤖 [%d] ", t.ID)
		r.turn(t)
	}
	for _, n := range st.Notices {
		fmt.Fprintf(out, "ℹ️  %s: %s\n", n.Kind, n.Message)
	}
}
