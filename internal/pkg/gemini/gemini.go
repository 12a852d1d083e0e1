package gemini

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

	"queryhub/internal/config"
)

// ErrNotConfigured 在缺少 API Key 时返回。
var ErrNotConfigured = errors.New("gemini api key not configured")

// Options 控制单次生成调用。零值字段不下发。
type Options struct {
	Temperature     float64 `json:"temperature,omitempty"`
	TopP            float64 `json:"topP,omitempty"`
	TopK            int     `json:"topK,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

// Result 是一次生成调用的结果。
type Result struct {
	Text         string // 模型输出文本
	FinishReason string // 结束原因（如 STOP / MAX_TOKENS）
	TotalTokens  int    // 本次调用消耗的 token 总数
}

// Client 调用 Generative Language API 的 generateContent 接口。
type Client struct {
	apiKey     string
	model      string
	endpoint   string
	maxTokens  int
	httpClient *http.Client
}

// NewClient 从配置创建 Gemini 客户端。
func NewClient(cfg *config.AIConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		maxTokens:  cfg.MaxOutputTokens,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Contents         []content `json:"contents"`
	GenerationConfig *Options  `json:"generationConfig,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate 执行一次文本生成调用。
func (c *Client) Generate(ctx context.Context, query string, opts Options) (*Result, error) {
	if c.apiKey == "" {
		return nil, ErrNotConfigured
	}
	if opts.MaxOutputTokens == 0 {
		opts.MaxOutputTokens = c.maxTokens
	}

	reqBody := generateRequest{
		Contents:         []content{{Parts: []part{{Text: query}}}},
		GenerationConfig: &opts,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.endpoint, c.model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call gemini: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var decoded generateResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := decoded.Error.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("gemini status %d: %s", resp.StatusCode, msg)
	}
	if len(decoded.Candidates) == 0 || len(decoded.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("gemini returned no candidates")
	}

	var sb strings.Builder
	for _, p := range decoded.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return &Result{
		Text:         sb.String(),
		FinishReason: decoded.Candidates[0].FinishReason,
		TotalTokens:  decoded.UsageMetadata.TotalTokenCount,
	}, nil
}
