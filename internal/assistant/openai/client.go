// Package openai adapts an OpenAI-compatible chat completions endpoint to the
// assistant.Streamer contract.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"lechat/internal/assistant"
	"lechat/internal/media"
	"lechat/internal/storage"
)

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Logger      zerolog.Logger
}

type Client struct {
	api    *openai.Client
	cfg    Config
	logger zerolog.Logger
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is empty")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("model is empty")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	return &Client{
		api:    openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: cfg.Logger,
	}, nil
}

var _ assistant.Streamer = (*Client)(nil)

// Stream opens a streaming chat completion and forwards its deltas. The
// returned channel ends with exactly one terminal event.
func (c *Client) Stream(ctx context.Context, req assistant.Request) (<-chan assistant.Event, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    buildMessages(req),
		Stream:      true,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}

	stream, err := c.api.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("open completion stream: %w", err)
	}

	events := make(chan assistant.Event)
	go func() {
		defer close(events)
		defer stream.Close()

		finish := assistant.FinishStop
		for {
			resp, err := stream.Recv()
			if err != nil {
				terminal := assistant.Event{Done: true, Reason: finish}
				switch {
				case errors.Is(err, io.EOF):
					// natural end; finish holds the last reported reason
				case ctx.Err() != nil:
					terminal.Reason = assistant.FinishCancelled
				default:
					terminal.Reason = assistant.FinishError
					terminal.Err = fmt.Errorf("receive delta: %w", err)
				}
				c.emit(ctx, events, terminal)
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			if choice.FinishReason != "" && choice.FinishReason != openai.FinishReasonStop {
				finish = assistant.FinishError
			}
			if choice.Delta.Content != "" {
				if !c.emit(ctx, events, assistant.Event{Delta: choice.Delta.Content}) {
					return
				}
			}
		}
	}()
	return events, nil
}

func (c *Client) emit(ctx context.Context, events chan<- assistant.Event, ev assistant.Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		if !ev.Done {
			// Consumer is gone; deliver a cancelled terminal for any reader
			// still draining.
			select {
			case events <- assistant.Event{Done: true, Reason: assistant.FinishCancelled}:
			default:
			}
		}
		return false
	}
}

// buildMessages maps transcript turns to wire messages. Image attachments are
// referenced by their transiently-accessible URLs; document attachments are
// referenced by URL in a text part since the completions API has no file
// part. Enabled action hints become a system preamble.
func buildMessages(req assistant.Request) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Turns)+1)
	if len(req.Actions) > 0 {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: "Enabled actions: " + strings.Join(req.Actions, ", "),
		})
	}

	for _, turn := range req.Turns {
		role := openai.ChatMessageRoleUser
		if turn.Role == storage.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}

		if len(turn.Attachments) == 0 {
			messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
			continue
		}

		parts := []openai.ChatMessagePart{{
			Type: openai.ChatMessagePartTypeText,
			Text: turn.Content,
		}}
		for _, a := range turn.Attachments {
			if media.IsDocument(a.ContentType) {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: fmt.Sprintf("Attached document %s: %s", a.Name, a.URL),
				})
				continue
			}
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: a.URL},
			})
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, MultiContent: parts})
	}
	return messages
}
