package transcript

import (
	"fmt"
	"sort"

	"github.com/inercia/parley/internal/protocol"
)

const (
	reasonCancelled  = "cancelled"
	reasonTurnFailed = "turn failed"
)

// Apply folds one server envelope into s and returns the resulting state. On
// error s is returned unchanged. Client-bound bookkeeping such as sequence
// deduplication is not done here; see the client reconciler.
func Apply(s State, env protocol.Envelope) (State, error) {
	if s.ConversationID == "" {
		s.ConversationID = env.ConversationID
	}
	if env.ConversationID != s.ConversationID {
		return s, fmt.Errorf("envelope for conversation %q applied to %q", env.ConversationID, s.ConversationID)
	}

	switch env.Type {
	case protocol.TypeMessageReplay:
		inner, err := protocol.Unwrap(env)
		if err != nil {
			return s, err
		}
		return Apply(s, inner)

	case protocol.TypeSessionConnected:
		var p protocol.ConnectedPayload
		if err := env.DecodePayload(&p); err != nil {
			return s, err
		}
		return reset(s, p.State), nil

	case protocol.TypeSessionResumed:
		var p protocol.ResumedPayload
		if err := env.DecodePayload(&p); err != nil {
			return s, err
		}
		return withSession(s, p.State), nil

	case protocol.TypeSessionState:
		var p protocol.StatePayload
		if err := env.DecodePayload(&p); err != nil {
			return s, err
		}
		return withSession(s, p.State), nil

	case protocol.TypeInterruptAck:
		var p protocol.InterruptAckPayload
		if err := env.DecodePayload(&p); err != nil {
			return s, err
		}
		return withSession(s, p.State), nil

	case protocol.TypeSessionHeartbeatAck:
		return s, nil

	case protocol.TypeSessionSystemEvent:
		var p protocol.SystemEventPayload
		if err := env.DecodePayload(&p); err != nil {
			return s, err
		}
		notices := make([]Notice, len(s.Notices), len(s.Notices)+1)
		copy(notices, s.Notices)
		s.Notices = append(notices, Notice{Kind: p.Kind, Message: p.Message, At: env.Timestamp})
		return s, nil

	case protocol.TypeSessionError:
		var p protocol.ErrorPayload
		if err := env.DecodePayload(&p); err != nil {
			return s, err
		}
		return applyError(s, env, p), nil

	case protocol.TypeUserMessageAck:
		var p protocol.MessageAckPayload
		if err := env.DecodePayload(&p); err != nil {
			return s, err
		}
		return applyMessageAck(s, env, p)

	case protocol.TypeInputResponseAck:
		var p protocol.InputResponseAckPayload
		if err := env.DecodePayload(&p); err != nil {
			return s, err
		}
		return applyInputAck(s, p), nil
	}

	// Everything below belongs to an assistant turn.
	turnID, ok := env.Turn()
	if !ok {
		if env.Type.FromServer() {
			return s, &protocol.DecodeError{Field: "turn_id", Reason: fmt.Sprintf("required for %s", env.Type)}
		}
		return s, nil
	}

	switch env.Type {
	case protocol.TypeAssistantChunk:
		var p protocol.ChunkPayload
		if err := env.DecodePayload(&p); err != nil {
			return s, err
		}
		s, i := ensureTurn(s, turnID, RoleAssistant)
		return s.updateTurn(i, func(t *Turn) { appendText(t, p.Content) }), nil

	case protocol.TypeAssistantThinking:
		var p protocol.ThinkingPayload
		if err := env.DecodePayload(&p); err != nil {
			return s, err
		}
		s, i := ensureTurn(s, turnID, RoleAssistant)
		return s.updateTurn(i, func(t *Turn) { appendThinking(t, p.Content, p.Signature) }), nil

	case protocol.TypeAssistantToolCall:
		var p protocol.ToolCallPayload
		if err := env.DecodePayload(&p); err != nil {
			return s, err
		}
		if p.ID == "" {
			return s, &protocol.DecodeError{Field: "payload.id", Reason: "missing"}
		}
		return applyToolCall(s, turnID, p), nil

	case protocol.TypeAssistantToolResult:
		var p protocol.ToolResultPayload
		if err := env.DecodePayload(&p); err != nil {
			return s, err
		}
		if p.ToolID == "" {
			return s, &protocol.DecodeError{Field: "payload.tool_id", Reason: "missing"}
		}
		return applyToolResult(s, turnID, p), nil

	case protocol.TypeAssistantRequestInput:
		var p protocol.RequestInputPayload
		if err := env.DecodePayload(&p); err != nil {
			return s, err
		}
		if p.QuestionID == "" {
			return s, &protocol.DecodeError{Field: "payload.question_id", Reason: "missing"}
		}
		return applyRequestInput(s, turnID, p), nil

	case protocol.TypeAssistantComplete:
		var p protocol.CompletePayload
		if err := env.DecodePayload(&p); err != nil {
			return s, err
		}
		s, i := ensureTurn(s, turnID, RoleAssistant)
		return s.updateTurn(i, func(t *Turn) {
			t.Open = false
			t.StopReason = p.StopReason
			if p.StopReason == protocol.StopCancelled {
				closeParts(t, reasonCancelled)
			}
		}), nil
	}
	return s, nil
}

func withSession(s State, st protocol.SessionState) State {
	if st.Valid() {
		s.Session = st
	}
	return s
}

// reset drops the reconstruction ahead of a full replay. Unresolved placeholders
// survive: the replayed acks resolve the ones the server already accepted.
func reset(s State, st protocol.SessionState) State {
	fresh := New(s.ConversationID)
	fresh.Pending = s.Pending
	return withSession(fresh, st)
}

// updateTurn returns a copy of s in which turn i has been modified by fn. The
// turn's parts are copied first so fn may modify them freely.
func (s State) updateTurn(i int, fn func(*Turn)) State {
	turns := make([]Turn, len(s.Turns))
	copy(turns, s.Turns)
	t := turns[i]
	t.Parts = append([]Part(nil), t.Parts...)
	fn(&t)
	turns[i] = t
	s.Turns = turns
	return s
}

// ensureTurn returns the index of turn id, inserting it in id order if needed.
func ensureTurn(s State, id int64, role Role) (State, int) {
	if i := s.turnIndex(id); i >= 0 {
		return s, i
	}
	i := sort.Search(len(s.Turns), func(i int) bool { return s.Turns[i].ID > id })
	turns := make([]Turn, 0, len(s.Turns)+1)
	turns = append(turns, s.Turns[:i]...)
	turns = append(turns, Turn{ID: id, Role: role, Open: role == RoleAssistant})
	turns = append(turns, s.Turns[i:]...)
	s.Turns = turns
	return s, i
}

func appendText(t *Turn, content string) {
	if n := len(t.Parts); n > 0 && t.Parts[n-1].Kind == PartText {
		t.Parts[n-1].Text += content
		return
	}
	t.Parts = append(t.Parts, Part{Kind: PartText, Text: content})
}

// appendThinking continues the current reasoning block unless the fragment
// carries a different signature, which starts a new block.
func appendThinking(t *Turn, content, signature string) {
	if n := len(t.Parts); n > 0 && t.Parts[n-1].Kind == PartThinking {
		last := &t.Parts[n-1]
		if signature == "" || last.Signature == "" || last.Signature == signature {
			last.Text += content
			if signature != "" {
				last.Signature = signature
			}
			return
		}
	}
	t.Parts = append(t.Parts, Part{Kind: PartThinking, Text: content, Signature: signature})
}

func applyToolCall(s State, turnID int64, p protocol.ToolCallPayload) State {
	if ti, pi := s.findTool(p.ID); ti >= 0 {
		return s.updateTurn(ti, func(t *Turn) {
			tool := &t.Parts[pi].Tool
			if p.Name != "" {
				tool.Name = p.Name
			}
			if len(p.Arguments) > 0 {
				tool.Arguments = p.Arguments
			}
			if p.Status != "" && !tool.Status.Terminal() {
				tool.Status = p.Status
			}
		})
	}
	status := p.Status
	if status == "" {
		status = protocol.ToolRunning
	}
	s, i := ensureTurn(s, turnID, RoleAssistant)
	return s.updateTurn(i, func(t *Turn) {
		t.Parts = append(t.Parts, Part{Kind: PartTool, Tool: ToolInvocation{
			ID:        p.ID,
			Name:      p.Name,
			Arguments: p.Arguments,
			Status:    status,
		}})
	})
}

func applyToolResult(s State, turnID int64, p protocol.ToolResultPayload) State {
	finish := func(tool *ToolInvocation) {
		tool.Status = protocol.ToolCompleted
		if p.IsError {
			tool.Status = protocol.ToolFailed
		}
		tool.IsError = p.IsError
		tool.Result = p.Result
		tool.Reason = p.Reason
	}
	if ti, pi := s.findTool(p.ToolID); ti >= 0 {
		return s.updateTurn(ti, func(t *Turn) { finish(&t.Parts[pi].Tool) })
	}
	s, i := ensureTurn(s, turnID, RoleAssistant)
	return s.updateTurn(i, func(t *Turn) {
		tool := ToolInvocation{ID: p.ToolID}
		finish(&tool)
		t.Parts = append(t.Parts, Part{Kind: PartTool, Tool: tool})
	})
}

func applyRequestInput(s State, turnID int64, p protocol.RequestInputPayload) State {
	if ti, pi := s.findCard(p.QuestionID, true); ti >= 0 {
		s = s.updateTurn(ti, func(t *Turn) {
			card := &t.Parts[pi].Card
			card.Question = p.Question
			card.Options = p.Options
			card.Required = p.Required
			card.Deadline = p.Deadline
			if p.ToolCallID != "" {
				card.ToolCallID = p.ToolCallID
			}
		})
	} else {
		var i int
		s, i = ensureTurn(s, turnID, RoleAssistant)
		s = s.updateTurn(i, func(t *Turn) {
			t.Parts = append(t.Parts, Part{Kind: PartInputRequest, Card: InputRequestCard{
				QuestionID: p.QuestionID,
				Question:   p.Question,
				Options:    p.Options,
				Required:   p.Required,
				Deadline:   p.Deadline,
				ToolCallID: p.ToolCallID,
				Status:     CardAwaiting,
			}})
		})
	}

	toolID := p.ToolCallID
	if toolID == "" {
		toolID = p.QuestionID
	}
	if ti, pi := s.findTool(toolID); ti >= 0 && !s.Turns[ti].Parts[pi].Tool.Status.Terminal() {
		s = s.updateTurn(ti, func(t *Turn) { t.Parts[pi].Tool.Status = protocol.ToolRequiresAction })
	}
	return s
}

func applyInputAck(s State, p protocol.InputResponseAckPayload) State {
	ti, pi := s.findCard(p.QuestionID, true)
	if ti < 0 {
		return s
	}
	toolID := s.Turns[ti].Parts[pi].Card.ToolCallID
	if toolID == "" {
		toolID = p.QuestionID
	}
	s = s.updateTurn(ti, func(t *Turn) {
		card := &t.Parts[pi].Card
		card.Status = CardAcknowledged
		card.Answer = p.Answer
		card.ResumeTask = p.ResumeTask
		card.Error = ""
	})
	if tti, tpi := s.findTool(toolID); tti >= 0 && s.Turns[tti].Parts[tpi].Tool.Status == protocol.ToolRequiresAction {
		s = s.updateTurn(tti, func(t *Turn) { t.Parts[tpi].Tool.Status = protocol.ToolRunning })
	}
	return s
}

func applyMessageAck(s State, env protocol.Envelope, p protocol.MessageAckPayload) (State, error) {
	if p.Queued {
		i := s.placeholderIndex(p.TempID)
		if i < 0 {
			return s, nil
		}
		return s.updatePlaceholder(i, func(ph *Placeholder) {
			ph.Status = PlaceholderQueued
			ph.QueuePosition = p.QueuePosition
			ph.Error = ""
		}), nil
	}

	turnID, ok := env.Turn()
	if !ok {
		return s, &protocol.DecodeError{Field: "turn_id", Reason: "required for an accepted user message"}
	}
	content := p.Content
	metadata := p.Metadata
	if i := s.placeholderIndex(p.TempID); i >= 0 {
		if content == "" {
			content = s.Pending[i].Content
		}
		if metadata == nil {
			metadata = s.Pending[i].Metadata
		}
		s = s.removePlaceholder(i)
	}
	if s.turnIndex(turnID) >= 0 {
		return s, nil
	}
	s, i := ensureTurn(s, turnID, RoleUser)
	return s.updateTurn(i, func(t *Turn) {
		t.Parts = []Part{{Kind: PartText, Text: content}}
		t.TempID = p.TempID
		t.Metadata = metadata
	}), nil
}

// applyError attaches a session.error to the most specific target available:
// the named placeholder, the named or most recent open card, the failed turn,
// and only then the general banner.
func applyError(s State, env protocol.Envelope, p protocol.ErrorPayload) State {
	if p.TempID != "" {
		if i := s.placeholderIndex(p.TempID); i >= 0 {
			return s.updatePlaceholder(i, func(ph *Placeholder) {
				ph.Status = PlaceholderFailed
				ph.Error = p.Message
			})
		}
	}

	if p.Code == protocol.CodeTurnFailed {
		if turnID, ok := env.Turn(); ok {
			if i := s.turnIndex(turnID); i >= 0 {
				return s.updateTurn(i, func(t *Turn) {
					t.Open = false
					t.Error = p.Message
					closeParts(t, reasonTurnFailed)
				})
			}
		}
	}

	if p.QuestionID != "" || cardError(p) {
		ti, pi := -1, -1
		if p.QuestionID != "" {
			ti, pi = s.findCard(p.QuestionID, true)
		}
		if ti < 0 {
			ti, pi = s.latestOpenCard()
		}
		if ti >= 0 {
			return s.updateTurn(ti, func(t *Turn) {
				card := &t.Parts[pi].Card
				card.Error = p.Message
				if p.Code == protocol.CodeQuestionExpired {
					card.Status = CardError
				} else {
					card.Status = CardAwaiting
				}
			})
		}
	}

	s.Banner = p.Message
	return s
}

func cardError(p protocol.ErrorPayload) bool {
	if p.RefType == protocol.TypeInputResponse {
		return true
	}
	switch p.Code {
	case protocol.CodeAnswerRequired, protocol.CodeUnknownQuestion, protocol.CodeQuestionNotAwaiting,
		protocol.CodeInvalidOption, protocol.CodeQuestionExpired:
		return true
	}
	return false
}

// closeParts finalizes whatever a closed turn left open.
func closeParts(t *Turn, reason string) {
	for i := range t.Parts {
		p := &t.Parts[i]
		switch p.Kind {
		case PartTool:
			if !p.Tool.Status.Terminal() {
				p.Tool.Status = protocol.ToolFailed
				p.Tool.IsError = true
				p.Tool.Reason = reason
			}
		case PartInputRequest:
			if p.Card.Open() {
				p.Card.Status = CardError
				p.Card.Error = reason
			}
		}
	}
}

func (s State) placeholderIndex(tempID string) int {
	if tempID == "" {
		return -1
	}
	for i, p := range s.Pending {
		if p.TempID == tempID {
			return i
		}
	}
	return -1
}

func (s State) updatePlaceholder(i int, fn func(*Placeholder)) State {
	pending := make([]Placeholder, len(s.Pending))
	copy(pending, s.Pending)
	fn(&pending[i])
	s.Pending = pending
	return s
}

func (s State) removePlaceholder(i int) State {
	pending := make([]Placeholder, 0, len(s.Pending)-1)
	pending = append(pending, s.Pending[:i]...)
	pending = append(pending, s.Pending[i+1:]...)
	s.Pending = pending
	return s
}
