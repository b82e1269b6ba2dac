// internal/llm/providers/zhipu/zhipu.go
package zhipu

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/darksider-9/ThesisForge-AI/internal/errors"
	"github.com/darksider-9/ThesisForge-AI/internal/llm"
)

func init() {
	llm.Register("zhipu", func() llm.Provider {
		return &Provider{
			recommendedModels: []string{
				"glm-4",
				"glm-4-plus",
				"glm-4.5",
				"glm-4.6",
			},
			baseURL: "https://open.bigmodel.cn/api/paas/v4",
		}
	})
}

// Provider 默认托管后端，请求需要时间戳+HMAC签名
type Provider struct {
	apiKey            string
	apiSecret         string
	baseURL           string
	client            *http.Client
	defaultModel      string
	recommendedModels []string
	availableModels   []string
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey, exists := config["api_key"]
	if !exists || apiKey == "" {
		return apperrors.NewUnauthorizedError("智谱API密钥未提供", nil)
	}

	apiSecret, exists := config["api_secret"]
	if !exists || apiSecret == "" {
		return apperrors.NewUnauthorizedError("智谱API密钥秘钥未提供", nil)
	}

	p.apiKey = apiKey
	p.apiSecret = apiSecret
	p.client = &http.Client{}

	if model, exists := config["default_model"]; exists && model != "" {
		p.defaultModel = model
	} else {
		p.defaultModel = "glm-4"
	}

	if baseURL, exists := config["base_url"]; exists && baseURL != "" {
		p.baseURL = baseURL
	}

	if customModels, exists := config["custom_models"]; exists && customModels != "" {
		var models []string
		if err := json.Unmarshal([]byte(customModels), &models); err == nil && len(models) > 0 {
			p.availableModels = models
		}
	}

	return nil
}

func (p *Provider) GetName() string {
	return "智谱GLM"
}

func (p *Provider) GetSupportedModels() []string {
	if len(p.availableModels) > 0 {
		return p.availableModels
	}
	return p.recommendedModels
}

// createSignature 生成请求签名
func (p *Provider) createSignature(timestamp int64) string {
	signStr := fmt.Sprintf("%s\n%d", p.apiKey, timestamp)

	h := hmac.New(sha256.New, []byte(p.apiSecret))
	h.Write([]byte(signStr))

	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := []map[string]string{
		{"role": "user", "content": req.Prompt},
	}

	if req.SystemPrompt != "" {
		messages = append([]map[string]string{
			{"role": "system", "content": req.SystemPrompt},
		}, messages...)
	}

	requestBody := map[string]interface{}{
		"model":       model,
		"messages":    messages,
		"stream":      false,
		"temperature": req.Temperature,
	}

	if req.MaxTokens > 0 {
		requestBody["max_tokens"] = req.MaxTokens
	}

	if req.ExtraParams != nil {
		for k, v := range req.ExtraParams {
			requestBody[k] = v
		}
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		"POST",
		p.baseURL+"/chat/completions",
		bytes.NewBuffer(jsonData),
	)
	if err != nil {
		return nil, err
	}

	timestamp := time.Now().Unix()
	signature := p.createSignature(timestamp)

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("X-ZhipuAI-Timestamp", fmt.Sprintf("%d", timestamp))
	httpReq.Header.Set("X-ZhipuAI-Signature", signature)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, apperrors.NewTimeoutError("智谱GLM响应超时", err)
		}
		return nil, apperrors.NewNetworkError("无法连接智谱GLM", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(httpResp.Body)
		detail := fmt.Errorf("智谱GLM API错误(%d): %s", httpResp.StatusCode, string(body))

		switch httpResp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, apperrors.NewUnauthorizedError("智谱API密钥无效", detail)
		case http.StatusNotFound:
			return nil, apperrors.NewEndpointNotFoundError("智谱接口路径不存在", detail)
		case http.StatusTooManyRequests:
			return nil, apperrors.NewRateLimitedError("智谱配额不足或触发限流", detail)
		default:
			return nil, apperrors.NewNetworkError("智谱GLM返回错误", detail)
		}
	}

	var response struct {
		ID      string `json:"id"`
		Created int64  `json:"created"`
		Model   string `json:"model"`
		Choices []struct {
			Index   int `json:"index"`
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}

	if err := json.NewDecoder(httpResp.Body).Decode(&response); err != nil {
		return nil, apperrors.NewNetworkError("解析智谱GLM响应失败", err)
	}

	if len(response.Choices) == 0 || strings.TrimSpace(response.Choices[0].Message.Content) == "" {
		return nil, apperrors.NewEmptyResponseError("智谱GLM未返回任何内容", nil)
	}

	return &llm.CompletionResponse{
		Text:         response.Choices[0].Message.Content,
		FinishReason: response.Choices[0].FinishReason,
		TokensUsed:   response.Usage.TotalTokens,
		PromptTokens: response.Usage.PromptTokens,
		OutputTokens: response.Usage.CompletionTokens,
		ModelName:    response.Model,
		ProviderName: p.GetName(),
	}, nil
}
