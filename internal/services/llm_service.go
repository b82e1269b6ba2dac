// internal/services/llm_service.go
package services

import (
	"context"
	"crypto/md5"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/darksider-9/ThesisForge-AI/internal/config"
	apperrors "github.com/darksider-9/ThesisForge-AI/internal/errors"
	"github.com/darksider-9/ThesisForge-AI/internal/llm"
	"github.com/darksider-9/ThesisForge-AI/internal/utils"

	// 注册内置提供者
	_ "github.com/darksider-9/ThesisForge-AI/internal/llm/providers/openai"
	_ "github.com/darksider-9/ThesisForge-AI/internal/llm/providers/zhipu"
)

// 单次调用的超时上限
// 目标输出很大（整章正文），所以给得很长
const completionTimeout = 900 * time.Second

var providerDefaultModels = map[string]string{
	"openai": "gpt-4o",
	"zhipu":  "glm-4",
}

// LLMService 模型网关：统一的大语言模型调用入口
// 调用方只拿原始文本，重试策略属于调用方，本层不重试
type LLMService struct {
	providerMutex      sync.RWMutex
	provider           llm.Provider
	providerName       string
	cache              *LLMCache
	metrics            *utils.GenerationMetrics
	isReady            bool
	readyState         string
	activeDefaultModel string
}

// LLMCache 辅助调用的响应缓存（生成调用不走缓存）
type LLMCache struct {
	cache      map[string]*LLMCacheEntry
	mutex      sync.RWMutex
	expiration time.Duration
}

type LLMCacheEntry struct {
	Response  string
	CreatedAt time.Time
}

// NewLLMService 按当前配置创建模型网关
// 没有可用密钥时服务照常创建，标记为未就绪
func NewLLMService() *LLMService {
	s := &LLMService{
		cache: &LLMCache{
			cache:      make(map[string]*LLMCacheEntry),
			expiration: 30 * time.Minute,
		},
		metrics:    utils.NewGenerationMetrics(),
		readyState: "not_configured",
	}

	cfg := config.GetCurrentConfig()
	if cfg.LLMProvider != "" && cfg.LLMConfig["api_key"] != "" {
		if err := s.UpdateProvider(cfg.LLMProvider, cfg.LLMConfig); err != nil {
			utils.GetLogger().Warn("LLM提供者初始化失败，等待设置接口配置", map[string]interface{}{
				"provider": cfg.LLMProvider,
				"error":    err.Error(),
			})
		}
	}

	s.cache.startCleanup()

	return s
}

// NewLLMServiceWithProvider 用现成的提供者实例创建网关（测试用）
func NewLLMServiceWithProvider(provider llm.Provider, providerName string) *LLMService {
	s := &LLMService{
		provider:     provider,
		providerName: providerName,
		cache: &LLMCache{
			cache:      make(map[string]*LLMCacheEntry),
			expiration: 30 * time.Minute,
		},
		metrics:    utils.NewGenerationMetrics(),
		isReady:    true,
		readyState: "ready",
	}
	return s
}

// UpdateProvider 热切换提供者
func (s *LLMService) UpdateProvider(providerName string, providerConfig map[string]string) error {
	if providerName == "" {
		return apperrors.NewValidationError("提供者名称不能为空", nil)
	}

	cfgCopy := make(map[string]string, len(providerConfig))
	for k, v := range providerConfig {
		cfgCopy[k] = v
	}
	if cfgCopy["default_model"] == "" {
		cfgCopy["default_model"] = providerDefaultModels[providerName]
	}

	provider, err := llm.GetProvider(providerName, cfgCopy)
	if err != nil {
		s.providerMutex.Lock()
		s.isReady = false
		s.readyState = "error"
		s.providerMutex.Unlock()
		return err
	}

	s.providerMutex.Lock()
	s.provider = provider
	s.providerName = providerName
	s.activeDefaultModel = cfgCopy["default_model"]
	s.isReady = true
	s.readyState = "ready"
	s.providerMutex.Unlock()

	utils.GetLogger().Info("LLM提供者已更新", map[string]interface{}{
		"provider": providerName,
		"model":    cfgCopy["default_model"],
	})

	return nil
}

// OnConfigChanged 配置服务的变更回调：配置更新后热切换提供者
func (s *LLMService) OnConfigChanged(_, newConfig *config.AppConfig) {
	if newConfig == nil || newConfig.LLMProvider == "" {
		return
	}
	if err := s.UpdateProvider(newConfig.LLMProvider, newConfig.LLMConfig); err != nil {
		utils.GetLogger().Warn("配置变更后切换LLM提供者失败", map[string]interface{}{
			"provider": newConfig.LLMProvider,
			"error":    err.Error(),
		})
	}
}

// IsReady 网关是否已配置可用
func (s *LLMService) IsReady() bool {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.isReady
}

// GetStatus 返回网关状态描述
func (s *LLMService) GetStatus() map[string]interface{} {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()

	status := map[string]interface{}{
		"ready":      s.isReady,
		"state":      s.readyState,
		"provider":   s.providerName,
		"model":      s.activeDefaultModel,
		"candidates": llm.ListProviders(),
	}
	if s.provider != nil {
		status["supported_models"] = s.provider.GetSupportedModels()
	}
	return status
}

// GetProviderName 当前提供者名称
func (s *LLMService) GetProviderName() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.providerName
}

// Complete 发送 system + user 两段提示，返回模型原始文本
// 超时上限内未返回则以 timeout 错误失败
func (s *LLMService) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if strings.TrimSpace(systemPrompt) == "" {
		return "", apperrors.NewValidationError("系统提示不能为空", nil)
	}
	if strings.TrimSpace(userPrompt) == "" {
		return "", apperrors.NewValidationError("用户提示不能为空", nil)
	}

	s.providerMutex.RLock()
	provider := s.provider
	providerName := s.providerName
	ready := s.isReady
	s.providerMutex.RUnlock()

	if !ready || provider == nil {
		return "", apperrors.NewValidationError("模型网关未配置，请先在设置中填写端点和密钥", nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, completionTimeout)
	defer cancel()

	start := time.Now()
	resp, err := provider.CompleteText(callCtx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Prompt:       userPrompt,
		Temperature:  0.7,
	})
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && !apperrors.IsTimeoutError(err) {
			return "", apperrors.NewTimeoutError("模型调用超时", err)
		}
		return "", err
	}

	if strings.TrimSpace(resp.Text) == "" {
		return "", apperrors.NewEmptyResponseError("模型返回了空内容", nil)
	}

	s.metrics.RecordLLMRequest(providerName, resp.ModelName, resp.TokensUsed, time.Since(start))

	return resp.Text, nil
}

// CompleteCached 带缓存的辅助调用
// 只用于连接测试这类可重复的小调用，生成调用一律直连
func (s *LLMService) CompleteCached(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	key := s.cache.key(s.GetProviderName(), systemPrompt, userPrompt)

	if text, ok := s.cache.get(key); ok {
		return text, nil
	}

	text, err := s.Complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		return "", err
	}

	s.cache.set(key, text)
	return text, nil
}

// TestConnection 用一条极小的提示验证端点连通性
func (s *LLMService) TestConnection(ctx context.Context) error {
	_, err := s.CompleteCached(ctx, "你是一个回声服务。", "收到请回复OK。")
	return err
}

// ---- 缓存实现 ----

func (c *LLMCache) key(parts ...string) string {
	h := md5.Sum([]byte(strings.Join(parts, "\x00")))
	return fmt.Sprintf("%x", h)
}

func (c *LLMCache) get(key string) (string, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, exists := c.cache[key]
	if !exists || time.Since(entry.CreatedAt) > c.expiration {
		return "", false
	}
	return entry.Response, true
}

func (c *LLMCache) set(key, response string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.cache[key] = &LLMCacheEntry{
		Response:  response,
		CreatedAt: time.Now(),
	}
}

func (c *LLMCache) startCleanup() {
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()

		for range ticker.C {
			c.mutex.Lock()
			now := time.Now()
			for key, entry := range c.cache {
				if now.Sub(entry.CreatedAt) > c.expiration {
					delete(c.cache, key)
				}
			}
			c.mutex.Unlock()
		}
	}()
}
