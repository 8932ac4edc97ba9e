package main

import (
	"bytes"
	"strings"
	"testing"

	"companion-session/internal/domain/model"
)

func TestTranscriptPrinter_StreamsDeltas(t *testing.T) {
	var buf bytes.Buffer
	p := newTranscriptPrinter(&buf, false)

	user := model.Message{ID: "u1", Content: "hi", Sender: model.SenderUser, Kind: model.MessageRegular}
	reply := model.Message{ID: "a1", Content: "Hel", Sender: model.SenderAssistant, Kind: model.MessageRegular, IsStreaming: true}

	p.Update([]model.Message{user, reply})
	reply.Content = "Hello there"
	p.Update([]model.Message{user, reply})
	reply.IsStreaming = false
	p.Update([]model.Message{user, reply})
	p.Update([]model.Message{user, reply})

	out := buf.String()
	if strings.Contains(out, "hi") {
		t.Fatalf("user line echoed: %q", out)
	}
	if strings.Count(out, "Hello there") != 1 {
		t.Fatalf("reply not printed exactly once: %q", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Fatalf("finished reply should end the line: %q", out)
	}
}

func TestTranscriptPrinter_SkipExisting(t *testing.T) {
	var buf bytes.Buffer
	p := newTranscriptPrinter(&buf, true)
	old := model.Message{ID: "w", Content: "welcome back", Sender: model.SenderAssistant, Kind: model.MessageWelcome}
	p.skipExisting([]model.Message{old})

	p.Update([]model.Message{old, {ID: "e", Content: "boom", Sender: model.SenderAssistant, Kind: model.MessageError}})
	out := buf.String()
	if strings.Contains(out, "welcome back") || !strings.Contains(out, "boom") {
		t.Fatalf("unexpected output %q", out)
	}
}
