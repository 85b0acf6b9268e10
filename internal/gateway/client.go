// Package gateway issues chat completion requests against the active
// credential's upstream provider.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/promptdesk/promptdesk/internal/config"
	"github.com/promptdesk/promptdesk/internal/keyring"
)

var (
	// ErrNoActiveCredential is returned when the registry holds no active key.
	ErrNoActiveCredential = errors.New("no active credential configured")
	// ErrCompletion wraps every upstream or transport failure.
	ErrCompletion = errors.New("completion request failed")
)

const completionsPath = "/v1/chat/completions"

// Request carries one user turn plus its sampling parameters.
type Request struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Result is the assistant reply and the token counts the upstream reported.
type Result struct {
	Text     string
	Provider string
	Model    string
	Usage    keyring.Usage
}

// ActiveSource yields the credential requests should be sent with.
type ActiveSource interface {
	Active() (keyring.Credential, bool)
}

// Client turns Requests into exactly one upstream HTTP call each. Providers
// are expected to expose an OpenAI-compatible chat completions endpoint.
type Client struct {
	source    ActiveSource
	providers map[string]config.ProviderConfig
	http      *http.Client
}

// NewClient builds a gateway client. timeout bounds the whole request,
// including connect and body read; there are no retries.
func NewClient(source ActiveSource, providers map[string]config.ProviderConfig, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = time.Duration(config.DefaultTimeoutSeconds) * time.Second
	}
	return &Client{
		source:    source,
		providers: providers,
		http:      &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatPayload struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends one chat completion request using the active credential.
// It does not record usage anywhere; callers feed Result.Usage into the
// ledger so a transport failure never charges tokens.
func (c *Client) Complete(ctx context.Context, req Request) (Result, error) {
	cred, ok := c.source.Active()
	if !ok {
		return Result{}, ErrNoActiveCredential
	}

	providerName := strings.ToLower(strings.TrimSpace(cred.Provider))
	provider, ok := c.providers[providerName]
	if !ok {
		return Result{}, fmt.Errorf("%w: unknown provider %q", ErrCompletion, cred.Provider)
	}

	messages := make([]chatMessage, 0, 2)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.User})

	body, err := json.Marshal(chatPayload{
		Model:       cred.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: encode payload: %v", ErrCompletion, err)
	}

	url := strings.TrimRight(provider.Upstream, "/") + completionsPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: build request: %v", ErrCompletion, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for name, value := range provider.ExtraHeaders {
		httpReq.Header.Set(name, value)
	}
	if err := applyProviderAuth(httpReq.Header, providerName, cred.Key); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrCompletion, err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrCompletion, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, fmt.Errorf("%w: read response: %v", ErrCompletion, err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{}, fmt.Errorf("%w: decode response (status %d): %v", ErrCompletion, resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil && parsed.Error.Message != "" {
			return Result{}, fmt.Errorf("%w: %s (status %d)", ErrCompletion, parsed.Error.Message, resp.StatusCode)
		}
		return Result{}, fmt.Errorf("%w: upstream returned status %d", ErrCompletion, resp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return Result{}, fmt.Errorf("%w: response carried no choices", ErrCompletion)
	}

	return Result{
		Text:     parsed.Choices[0].Message.Content,
		Provider: cred.Provider,
		Model:    cred.Model,
		Usage: keyring.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
		},
	}, nil
}
