package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/stellarlinkco/mindmesh/internal/config"
)

// ChatClient talks to any OpenAI-compatible /chat/completions endpoint.
type ChatClient struct {
	apiKey          string
	baseURL         string
	model           string
	reasoningEffort string
	maxTokens       int
	temperature     float64
	httpClient      *http.Client
}

func NewChatClient(cfg *config.Config) *ChatClient {
	return &ChatClient{
		apiKey:          cfg.Provider.APIKey,
		baseURL:         cfg.Provider.BaseURL,
		model:           cfg.Model.Name,
		reasoningEffort: strings.TrimSpace(cfg.Model.ReasoningEffort),
		maxTokens:       cfg.Model.MaxTokens,
		temperature:     cfg.Model.Temperature,
		httpClient:      &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *ChatClient) Generate(ctx context.Context, prompt string, opts Options) (*Completion, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return nil, fmt.Errorf("missing api key")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(c.baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("missing base url")
	}
	if c.model == "" {
		return nil, fmt.Errorf("missing model")
	}

	messages := make([]map[string]string, 0, 2)
	if system := strings.TrimSpace(opts.System); system != "" {
		messages = append(messages, map[string]string{"role": "system", "content": system})
	}
	messages = append(messages, map[string]string{"role": "user", "content": prompt})

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	temperature := c.temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}

	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"max_tokens":  maxTokens,
		"temperature": temperature,
	}
	if opts.JSON {
		body["response_format"] = map[string]string{"type": "json_object"}
	}
	if opts.SessionID != "" {
		body["user"] = opts.SessionID
	}
	if c.reasoningEffort != "" {
		body["reasoning_effort"] = c.reasoningEffort
	}

	out, statusCode, respBody, err := c.sendChatCompletion(ctx, baseURL, body)
	if err == nil {
		return out, nil
	}
	if c.reasoningEffort != "" && isReasoningEffortUnsupported(statusCode, respBody) {
		delete(body, "reasoning_effort")
		out, _, _, retryErr := c.sendChatCompletion(ctx, baseURL, body)
		if retryErr == nil {
			return out, nil
		}
		return nil, retryErr
	}
	return nil, err
}

func (c *ChatClient) sendChatCompletion(ctx context.Context, baseURL string, body map[string]any) (*Completion, int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, respBody, fmt.Errorf("chat completion http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, resp.StatusCode, respBody, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, resp.StatusCode, respBody, fmt.Errorf("empty choices in response")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, resp.StatusCode, respBody, ErrEmptyCompletion
	}
	return &Completion{Content: content, UsageTokens: decoded.Usage.TotalTokens}, resp.StatusCode, respBody, nil
}

func isReasoningEffortUnsupported(statusCode int, respBody []byte) bool {
	if statusCode != http.StatusBadRequest && statusCode != http.StatusUnprocessableEntity {
		return false
	}

	var decoded struct {
		Error struct {
			Param   string `json:"param"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &decoded); err == nil {
		paramName := strings.ToLower(strings.TrimSpace(decoded.Error.Param))
		if paramName == "reasoning_effort" || paramName == "reasoning.effort" {
			return true
		}
		message := strings.ToLower(strings.TrimSpace(decoded.Error.Message))
		if strings.Contains(message, "reasoning_effort") || strings.Contains(message, "reasoning.effort") {
			return true
		}
	}

	bodyText := strings.ToLower(strings.TrimSpace(string(respBody)))
	return strings.Contains(bodyText, "reasoning_effort") || strings.Contains(bodyText, "reasoning.effort")
}
