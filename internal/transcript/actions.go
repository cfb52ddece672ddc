package transcript

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrUnknownQuestion = errors.New("unknown question")
	ErrNotAwaiting     = errors.New("question is not awaiting an answer")
	ErrAnswerRequired  = errors.New("an answer is required")
	ErrInvalidOption   = errors.New("answer is not one of the offered options")
)

// AddPlaceholder shows an optimistic user message until the server's ack
// resolves it.
func AddPlaceholder(s State, tempID, content string, metadata map[string]any) State {
	pending := make([]Placeholder, len(s.Pending), len(s.Pending)+1)
	copy(pending, s.Pending)
	s.Pending = append(pending, Placeholder{
		TempID:    tempID,
		Content:   content,
		Metadata:  metadata,
		Status:    PlaceholderSending,
		CreatedAt: time.Now(),
	})
	return s
}

// DiscardPlaceholder removes a placeholder, typically a failed one the user
// dismissed.
func DiscardPlaceholder(s State, tempID string) State {
	if i := s.placeholderIndex(tempID); i >= 0 {
		return s.removePlaceholder(i)
	}
	return s
}

// SubmitAnswer moves an awaiting card to pending. Validation failures that the
// client can detect locally annotate the card and return an error; the answer
// must then not be sent. ErrNotAwaiting means the submission is a no-op.
func SubmitAnswer(s State, questionID, answer string, resumeTask bool) (State, error) {
	ti, pi := s.findCard(questionID, false)
	if ti < 0 {
		return s, ErrUnknownQuestion
	}
	card := s.Turns[ti].Parts[pi].Card
	if card.Status != CardAwaiting {
		return s, ErrNotAwaiting
	}

	var verr error
	switch {
	case card.Required && strings.TrimSpace(answer) == "":
		verr = ErrAnswerRequired
	case len(card.Options) > 0 && answer != "" && !contains(card.Options, answer):
		verr = ErrInvalidOption
	}
	if verr != nil {
		return s.updateTurn(ti, func(t *Turn) { t.Parts[pi].Card.Error = verr.Error() }), verr
	}

	return s.updateTurn(ti, func(t *Turn) {
		c := &t.Parts[pi].Card
		c.Status = CardPending
		c.Answer = answer
		c.ResumeTask = resumeTask
		c.Error = ""
	}), nil
}

func contains(options []string, v string) bool {
	for _, o := range options {
		if o == v {
			return true
		}
	}
	return false
}
