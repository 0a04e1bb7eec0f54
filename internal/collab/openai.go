package collab

import (
	"bytes"
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIConfig configures the OpenAI-backed collaborators.
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string // Optional; for gateways and compatible providers
	ChatModel string
	ASRModel  string
}

// OpenAIChat implements LLM via the OpenAI chat completions API.
type OpenAIChat struct {
	client openai.Client
	model  string
}

// NewOpenAIChat creates the language-model collaborator.
func NewOpenAIChat(cfg OpenAIConfig) (*OpenAIChat, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.ChatModel
	if model == "" {
		model = "gpt-4o-mini"
	}

	return &OpenAIChat{
		client: openai.NewClient(opts...),
		model:  model,
	}, nil
}

// Chat sends the conversation to the model, prepending the system prompt
// when one is given.
func (c *OpenAIChat) Chat(ctx context.Context, messages []Message, systemPrompt string) (*ChatResult, error) {
	converted := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if systemPrompt != "" {
		converted = append(converted, openai.SystemMessage(systemPrompt))
	}
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			converted = append(converted, openai.SystemMessage(msg.Content))
		case "assistant":
			converted = append(converted, openai.AssistantMessage(msg.Content))
		default:
			converted = append(converted, openai.UserMessage(msg.Content))
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: converted,
	})
	if err != nil {
		return nil, fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	return &ChatResult{
		Success: true,
		Content: resp.Choices[0].Message.Content,
	}, nil
}

// OpenAIASR implements ASR via the OpenAI audio transcriptions API.
type OpenAIASR struct {
	client openai.Client
	model  string
}

// NewOpenAIASR creates the speech-to-text collaborator.
func NewOpenAIASR(cfg OpenAIConfig) (*OpenAIASR, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.ASRModel
	if model == "" {
		model = "whisper-1"
	}

	return &OpenAIASR{
		client: openai.NewClient(opts...),
		model:  model,
	}, nil
}

// SpeechToText transcribes the audio bytes.
func (a *OpenAIASR) SpeechToText(ctx context.Context, audio []byte) (*ASRResult, error) {
	if len(audio) == 0 {
		return nil, fmt.Errorf("audio payload is empty")
	}

	resp, err := a.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		Model: a.model,
		File:  openai.File(bytes.NewReader(audio), "audio.wav", "audio/wav"),
	})
	if err != nil {
		return nil, fmt.Errorf("openai transcription: %w", err)
	}

	return &ASRResult{
		Success:  true,
		Text:     resp.Text,
		Provider: "openai",
	}, nil
}
