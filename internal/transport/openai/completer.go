package openai

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/aula-cloud/asistente/internal/domain"
)

// Completer is a text-generation provider using the OpenAI-compatible chat API.
type Completer struct {
	client      *openai.Client
	model       string
	temperature float32
	logger      *zap.Logger
}

// CompleterConfig holds the chat provider settings.
type CompleterConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	Logger      *zap.Logger
}

// NewCompleter creates an OpenAI-compatible chat completion provider.
func NewCompleter(cfg *CompleterConfig) *Completer {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Completer{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		logger:      cfg.Logger,
	}
}

// Complete implements domain.Completer with a single buffered call.
func (c *Completer) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, c.request(prompt))
	if err != nil {
		return "", classifyAPIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion response: %w", domain.ErrProviderUnavailable)
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream implements domain.Completer. The returned stream ends with io.EOF;
// the caller must Close it to release the provider connection.
func (c *Completer) Stream(ctx context.Context, prompt string) (domain.TokenStream, error) {
	req := c.request(prompt)
	req.Stream = true

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, classifyAPIError(err)
	}
	return &tokenStream{inner: stream}, nil
}

func (c *Completer) request(prompt string) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
}

// chunkReceiver is the part of the go-openai stream the adapter consumes.
type chunkReceiver interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// tokenStream adapts the go-openai stream to domain.TokenStream, skipping
// empty deltas so callers only see real tokens.
type tokenStream struct {
	inner chunkReceiver
}

func (s *tokenStream) Recv() (string, error) {
	for {
		resp, err := s.inner.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", classifyAPIError(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if token := resp.Choices[0].Delta.Content; token != "" {
			return token, nil
		}
	}
}

func (s *tokenStream) Close() error {
	if err := s.inner.Close(); err != nil {
		return fmt.Errorf("close stream: %w", err)
	}
	return nil
}
