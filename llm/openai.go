package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"
)

// OpenAIAdapter implements Adapter for the OpenAI API and any
// OpenAI-compatible endpoint (custom base URL)
type OpenAIAdapter struct {
	client *openai.Client
	config AdapterConfig
}

// NewOpenAIAdapter creates a new OpenAI adapter
func NewOpenAIAdapter(config AdapterConfig) *OpenAIAdapter {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}

	return &OpenAIAdapter{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
	}
}

// ModelName implements Adapter.ModelName
func (o *OpenAIAdapter) ModelName() string {
	return o.config.Model
}

// Stream implements Adapter.Stream
func (o *OpenAIAdapter) Stream(ctx context.Context, system string, messages []Message, chunks chan<- StreamChunk) error {
	defer close(chunks)

	ctx, cancel := context.WithTimeout(ctx, o.config.Timeout)
	defer cancel()

	openaiMessages := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		openaiMessages = append(openaiMessages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range messages {
		openaiMessages = append(openaiMessages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    o.config.Model,
		Messages: openaiMessages,
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	})
	if err != nil {
		err = classifyErr(fmt.Errorf("OpenAI stream error: %w", err))
		chunks <- StreamChunk{Err: err}
		return err
	}
	defer stream.Close()

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			chunks <- StreamChunk{Done: true}
			return nil
		}
		if err != nil {
			err = classifyErr(fmt.Errorf("OpenAI stream recv error: %w", err))
			chunks <- StreamChunk{Err: err}
			return err
		}

		if response.Usage != nil {
			chunks <- StreamChunk{Usage: &Usage{
				InputTokens:  response.Usage.PromptTokens,
				OutputTokens: response.Usage.CompletionTokens,
			}}
		}

		if len(response.Choices) > 0 {
			delta := response.Choices[0].Delta
			if delta.ReasoningContent != "" {
				chunks <- StreamChunk{Reasoning: delta.ReasoningContent}
			}
			if delta.Content != "" {
				chunks <- StreamChunk{Text: delta.Content}
			}
		}
	}
}
