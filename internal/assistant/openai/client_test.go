package openai

import (
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"lechat/internal/assistant"
	"lechat/internal/storage"
)

func TestBuildMessagesPlainText(t *testing.T) {
	msgs := buildMessages(assistant.Request{Turns: []assistant.Turn{
		{Role: storage.RoleUser, Content: "hello"},
		{Role: storage.RoleAssistant, Content: "hi there"},
	}})

	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != openai.ChatMessageRoleUser || msgs[0].Content != "hello" {
		t.Fatalf("unexpected first message %+v", msgs[0])
	}
	if msgs[1].Role != openai.ChatMessageRoleAssistant {
		t.Fatalf("expected assistant role, got %q", msgs[1].Role)
	}
}

func TestBuildMessagesActionsBecomeSystemPreamble(t *testing.T) {
	msgs := buildMessages(assistant.Request{
		Turns:   []assistant.Turn{{Role: storage.RoleUser, Content: "go"}},
		Actions: []string{"web_search", "canvas"},
	})

	if len(msgs) != 2 {
		t.Fatalf("expected system preamble plus turn, got %d messages", len(msgs))
	}
	if msgs[0].Role != openai.ChatMessageRoleSystem {
		t.Fatalf("expected system role first, got %q", msgs[0].Role)
	}
	if msgs[0].Content != "Enabled actions: web_search, canvas" {
		t.Fatalf("unexpected preamble %q", msgs[0].Content)
	}
}

func TestBuildMessagesAttachmentsBecomeParts(t *testing.T) {
	msgs := buildMessages(assistant.Request{Turns: []assistant.Turn{{
		Role:    storage.RoleUser,
		Content: "what is this?",
		Attachments: []storage.Attachment{
			{URL: "https://signed/img", Name: "cat.png", ContentType: "image/png"},
			{URL: "https://signed/doc", Name: "paper.pdf", ContentType: "application/pdf"},
		},
	}}})

	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	parts := msgs[0].MultiContent
	if len(parts) != 3 {
		t.Fatalf("expected text + image + document parts, got %d", len(parts))
	}
	if parts[0].Type != openai.ChatMessagePartTypeText || parts[0].Text != "what is this?" {
		t.Fatalf("unexpected text part %+v", parts[0])
	}
	if parts[1].Type != openai.ChatMessagePartTypeImageURL || parts[1].ImageURL.URL != "https://signed/img" {
		t.Fatalf("unexpected image part %+v", parts[1])
	}
	if parts[2].Type != openai.ChatMessagePartTypeText {
		t.Fatalf("document must be referenced in a text part, got %+v", parts[2])
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Model: "gpt-4o"}); err == nil {
		t.Fatalf("expected error for missing api key")
	}
	if _, err := New(Config{APIKey: "k"}); err == nil {
		t.Fatalf("expected error for missing model")
	}
	if _, err := New(Config{APIKey: "k", Model: "gpt-4o"}); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}
