package cmd

import (
	"reflect"
	"testing"

	"github.com/inercia/parley/internal/transcript"
)

func questionState() transcript.State {
	st := transcript.New("conv")
	st.Turns = []transcript.Turn{{
		ID:   2,
		Role: transcript.RoleAssistant,
		Open: true,
		Parts: []transcript.Part{
			{Kind: transcript.PartInputRequest, Card: transcript.InputRequestCard{QuestionID: "q-color", Question: "Which color?", Status: transcript.CardAwaiting}},
			{Kind: transcript.PartInputRequest, Card: transcript.InputRequestCard{QuestionID: "q-size", Question: "Which size?", Status: transcript.CardAcknowledged}},
		},
	}}
	return st
}

func TestChatCandidates(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    []string
		wantTag string
	}{
		{name: "plain text", text: "hello", want: nil},
		{name: "empty", text: "", want: nil},
		{name: "all commands", text: "/", want: []string{"/answer", "/interrupt", "/state", "/help", "/quit"}, wantTag: "commands"},
		{name: "prefix", text: "/in", want: []string{"/interrupt"}, wantTag: "commands"},
		{name: "unknown", text: "/xyz", want: nil, wantTag: "commands"},
		{name: "question ids", text: "/answer ", want: []string{"q-color"}, wantTag: "questions"},
		{name: "question prefix", text: "/answer q-c", want: []string{"q-color"}, wantTag: "questions"},
		{name: "no match", text: "/answer zz", want: nil, wantTag: "questions"},
		{name: "answer text", text: "/answer q-color re", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pairs, tag := chatCandidates(questionState(), tt.text)
			var values []string
			for i := 0; i < len(pairs); i += 2 {
				values = append(values, pairs[i])
				if pairs[i+1] == "" {
					t.Errorf("candidate %s has no description", pairs[i])
				}
			}
			if !reflect.DeepEqual(values, tt.want) {
				t.Errorf("values = %v, want %v", values, tt.want)
			}
			if len(tt.want) > 0 && tag != tt.wantTag {
				t.Errorf("tag = %q, want %q", tag, tt.wantTag)
			}
		})
	}
}

func TestLocalAddr(t *testing.T) {
	tests := []struct {
		host string
		port int
		want string
	}{
		{"", 8080, "127.0.0.1:8080"},
		{"0.0.0.0", 8080, "127.0.0.1:8080"},
		{"::", 9000, "127.0.0.1:9000"},
		{"example.com", 80, "example.com:80"},
		{"::1", 8080, "[::1]:8080"},
	}
	for _, tt := range tests {
		if got := localAddr(tt.host, tt.port); got != tt.want {
			t.Errorf("localAddr(%q, %d) = %q, want %q", tt.host, tt.port, got, tt.want)
		}
	}
}
