package diagnosis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-4"
	defaultMaxTokens     = 2000
	defaultTemperature   = 0.7
	maxErrorBodyBytes    = 4096
)

// OpenAIConfig configures the chat completions generator.
type OpenAIConfig struct {
	APIKey     string
	Model      string
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// OpenAIGenerator calls the OpenAI chat completions API in JSON mode.
type OpenAIGenerator struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
}

// NewOpenAIGenerator validates config and fills defaults.
func NewOpenAIGenerator(config OpenAIConfig) (*OpenAIGenerator, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: openai api key is empty", ErrInvalidConfig)
	}
	model := strings.TrimSpace(config.Model)
	if model == "" {
		model = defaultOpenAIModel
	}
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &OpenAIGenerator{
		apiKey:     apiKey,
		model:      model,
		endpoint:   baseURL + "/chat/completions",
		httpClient: httpClient,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string             `json:"model"`
	Messages       []chatMessage      `json:"messages"`
	Temperature    float64            `json:"temperature"`
	MaxTokens      int                `json:"max_tokens"`
	ResponseFormat chatResponseFormat `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Generate requests a diagnosis and validates its structure.
func (generator *OpenAIGenerator) Generate(ctx context.Context, title string, clientName string) (Generation, error) {
	payload, err := json.Marshal(chatRequest{
		Model: generator.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt(title, clientName)},
		},
		Temperature:    defaultTemperature,
		MaxTokens:      defaultMaxTokens,
		ResponseFormat: chatResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return Generation{}, fmt.Errorf("encode request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, generator.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Generation{}, fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+generator.apiKey)
	request.Header.Set("Content-Type", "application/json")

	response, err := generator.httpClient.Do(request)
	if err != nil {
		return Generation{}, fmt.Errorf("openai request: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		var apiErr apiErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return Generation{}, fmt.Errorf("openai api error: %s (status %d)", apiErr.Error.Message, response.StatusCode)
		}
		return Generation{}, fmt.Errorf("openai api error: status %d", response.StatusCode)
	}

	var completion chatResponse
	if err := json.NewDecoder(response.Body).Decode(&completion); err != nil {
		return Generation{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if len(completion.Choices) == 0 || strings.TrimSpace(completion.Choices[0].Message.Content) == "" {
		return Generation{}, ErrEmptyResponse
	}
	var content Content
	if err := json.Unmarshal([]byte(completion.Choices[0].Message.Content), &content); err != nil {
		return Generation{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if err := content.Validate(); err != nil {
		return Generation{}, err
	}
	return Generation{
		Content:    content,
		TokensUsed: completion.Usage.PromptTokens + completion.Usage.CompletionTokens,
	}, nil
}
