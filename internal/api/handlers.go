// internal/api/handlers.go
package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/darksider-9/ThesisForge-AI/internal/config"
	"github.com/darksider-9/ThesisForge-AI/internal/llm"
	"github.com/darksider-9/ThesisForge-AI/internal/models"
	"github.com/darksider-9/ThesisForge-AI/internal/services"
	"github.com/darksider-9/ThesisForge-AI/internal/utils"
)

// Handler 处理API请求
type Handler struct {
	// 核心服务
	WorkflowService *services.WorkflowService // 工作流服务
	ExportService   *services.ExportService   // 导出服务
	ProgressService *services.ProgressService // 进度跟踪服务
	ConfigService   *services.ConfigService   // 配置服务
	LLMService      *services.LLMService      // 模型网关
	Response        *ResponseHelper           // 响应助手
}

// NewHandler 创建API处理器
func NewHandler(
	workflowService *services.WorkflowService,
	exportService *services.ExportService,
	progressService *services.ProgressService,
	configService *services.ConfigService,
	llmService *services.LLMService,
) *Handler {
	return &Handler{
		WorkflowService: workflowService,
		ExportService:   exportService,
		ProgressService: progressService,
		ConfigService:   configService,
		LLMService:      llmService,
		Response:        NewResponseHelper(),
	}
}

// CreateSessionRequest 创建会话的请求结构
type CreateSessionRequest struct {
	Topic string `json:"topic"` // 研究主题
	Field string `json:"field"` // 学科领域
	Focus string `json:"focus"` // 研究侧重点
}

// RegenerateSectionsRequest 定点重生成的请求结构
type RegenerateSectionsRequest struct {
	AgentID     string   `json:"agent_id"`    // 生效的代理（决定提示模板）
	SectionIDs  []string `json:"section_ids"` // 要重新生成的小节ID列表
	Instruction string   `json:"instruction"` // 可选的修改指令
}

// DeleteSectionsRequest 删除小节的请求结构
type DeleteSectionsRequest struct {
	SectionIDs []string `json:"section_ids"` // 要删除的小节ID列表
}

// UpdateSettingsRequest 更新模型网关配置的请求结构
type UpdateSettingsRequest struct {
	Provider string            `json:"provider"` // 提供商名称
	Config   map[string]string `json:"config"`   // 提供商配置项
}

// APIResponse 标准API响应格式
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"` // 用于调试和追踪
}

// APIError 标准错误格式
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// PaginationMeta 分页元数据
type PaginationMeta struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// PaginatedResponse 带分页的响应
type PaginatedResponse struct {
	*APIResponse
	Meta *PaginationMeta `json:"meta,omitempty"`
}

// ========================================
// 会话管理
// ========================================

// CreateSession 创建新的论文会话
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求格式错误", err.Error())
		return
	}

	session, err := h.WorkflowService.CreateSession(models.ThesisInput{
		Topic: req.Topic,
		Field: req.Field,
		Focus: req.Focus,
	})
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}

	h.Response.Created(c, session, "会话创建成功")
}

// ListSessions 分页列出会话，按更新时间倒序
func (h *Handler) ListSessions(c *gin.Context) {
	metas, err := h.WorkflowService.ListSessions()
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}

	page, perPage := parsePagination(c)
	total := len(metas)
	totalPages := (total + perPage - 1) / perPage

	start := (page - 1) * perPage
	if start > total {
		start = total
	}
	end := start + perPage
	if end > total {
		end = total
	}

	h.Response.PaginatedSuccess(c, metas[start:end], &PaginationMeta{
		Page:       page,
		PerPage:    perPage,
		Total:      total,
		TotalPages: totalPages,
	})
}

// GetSession 获取单个会话的完整状态
func (h *Handler) GetSession(c *gin.Context) {
	session, err := h.WorkflowService.GetSession(c.Param("id"))
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}

	h.Response.Success(c, session)
}

// DeleteSession 删除会话
func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.WorkflowService.DeleteSession(c.Param("id")); err != nil {
		h.Response.FromAppError(c, err)
		return
	}

	h.Response.Success(c, nil, "会话已删除")
}

// ========================================
// 工作流控制
// ========================================

// StartSession 启动工作流：后台构建大纲
func (h *Handler) StartSession(c *gin.Context) {
	session, err := h.WorkflowService.StartRun(c.Param("id"))
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}

	h.Response.Success(c, session, "大纲构建已启动")
}

// ResumeSession 审阅通过，推进到下一个代理
func (h *Handler) ResumeSession(c *gin.Context) {
	session, err := h.WorkflowService.Resume(c.Param("id"))
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}

	h.Response.Success(c, session, "已推进到下一阶段")
}

// RepairSession 重跑终审修补轮，补齐解析失败被跳过的空洞
func (h *Handler) RepairSession(c *gin.Context) {
	session, err := h.WorkflowService.StartRepair(c.Param("id"))
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}

	h.Response.Success(c, session, "修补已启动")
}

// RegenerateSections 审阅检查点上的定点重生成
func (h *Handler) RegenerateSections(c *gin.Context) {
	var req RegenerateSectionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求格式错误", err.Error())
		return
	}

	session, err := h.WorkflowService.RegenerateSections(
		c.Request.Context(), c.Param("id"), req.AgentID, req.SectionIDs, req.Instruction)
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}

	h.Response.Success(c, session, "小节已重新生成")
}

// DeleteSections 审阅检查点上删除小节
func (h *Handler) DeleteSections(c *gin.Context) {
	var req DeleteSectionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求格式错误", err.Error())
		return
	}

	session, err := h.WorkflowService.DeleteSections(c.Param("id"), req.SectionIDs)
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}

	h.Response.Success(c, session, "小节已删除")
}

// GetProgress 获取当前生成任务的进度快照
func (h *Handler) GetProgress(c *gin.Context) {
	sessionID := c.Param("id")

	tracker, exists := h.ProgressService.GetTracker(sessionID)
	if !exists {
		h.Response.NotFound(c, "会话", "该会话没有正在跟踪的任务")
		return
	}

	snap := tracker.Snapshot()
	h.Response.Success(c, gin.H{
		"session_id": sessionID,
		"progress":   snap.Progress,
		"stage":      snap.Stage,
		"message":    snap.Message,
		"status":     snap.Status,
		"start_time": tracker.StartTime,
	})
}

// ========================================
// 导出与会话迁移
// ========================================

// ExportThesis 导出论文文档
func (h *Handler) ExportThesis(c *gin.Context) {
	format := c.DefaultQuery("format", "markdown")

	supportedFormats := []string{"json", "markdown", "md", "txt", "text", "html", "latex", "tex"}
	if !contains(supportedFormats, strings.ToLower(format)) {
		h.Response.Error(c, http.StatusBadRequest, ErrorExportFormatInvalid,
			"不支持的导出格式: "+format)
		return
	}

	session, err := h.WorkflowService.GetSession(c.Param("id"))
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}

	if strings.ToLower(format) == "json" {
		h.Response.Success(c, session, "导出成功")
		return
	}

	result, err := h.ExportService.Export(session, format)
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}

	if result.Content == "" {
		h.Response.Error(c, http.StatusNotFound, ErrorExportDataEmpty,
			"导出结果为空", "会话还没有可导出的内容")
		return
	}

	h.Response.ExportResponse(c, result, format)
}

// DownloadSession 把会话下载为单个JSON文档
func (h *Handler) DownloadSession(c *gin.Context) {
	sessionID := c.Param("id")

	data, err := h.WorkflowService.ExportSessionDocument(sessionID)
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}

	h.Response.DownloadResponse(c, string(data),
		"session_"+sessionID+".json", "application/json; charset=utf-8")
}

// ImportSession 从上传的JSON文档恢复会话
// 既接受multipart文件也接受原始JSON请求体
func (h *Handler) ImportSession(c *gin.Context) {
	var data []byte

	if file, err := c.FormFile("file"); err == nil {
		f, err := file.Open()
		if err != nil {
			h.Response.BadRequest(c, "无法读取上传文件", err.Error())
			return
		}
		defer f.Close()

		data, err = io.ReadAll(io.LimitReader(f, 32<<20))
		if err != nil {
			h.Response.BadRequest(c, "无法读取上传文件", err.Error())
			return
		}
	} else {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, 32<<20))
		if err != nil || len(body) == 0 {
			h.Response.BadRequest(c, "缺少会话文档")
			return
		}
		data = body
	}

	session, err := h.WorkflowService.ImportSession(data)
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}

	h.Response.Created(c, session, "会话导入成功")
}

// ========================================
// 设置与模型网关
// ========================================

// GetSettings 获取当前设置（密钥打码）
func (h *Handler) GetSettings(c *gin.Context) {
	cfg := h.ConfigService.GetCurrentConfig()

	llmConfig := make(map[string]string, len(cfg.LLMConfig))
	for k, v := range cfg.LLMConfig {
		if k == "api_key" || k == "api_secret" {
			llmConfig[k] = maskSecret(v)
			continue
		}
		llmConfig[k] = v
	}

	h.Response.Success(c, gin.H{
		"provider":   cfg.LLMProvider,
		"llm_config": llmConfig,
		"debug_mode": cfg.DebugMode,
	})
}

// SaveSettings 更新模型网关配置并热切换提供者
func (h *Handler) SaveSettings(c *gin.Context) {
	var req UpdateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求格式错误", err.Error())
		return
	}

	if req.Provider == "" {
		h.Response.Error(c, http.StatusBadRequest, ErrorLLMProviderMissing, "缺少提供商名称")
		return
	}
	if req.Config == nil {
		req.Config = make(map[string]string)
	}
	if req.Config["api_key"] == "" {
		h.Response.Error(c, http.StatusBadRequest, ErrorAPIKeyMissing, "缺少API密钥")
		return
	}

	if err := h.ConfigService.UpdateLLMConfig(req.Provider, req.Config, "api"); err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorLLMConfigInvalid, err.Error())
		return
	}

	h.Response.Success(c, gin.H{"provider": req.Provider}, "设置已保存")
}

// TestConnection 验证当前网关配置的连通性
func (h *Handler) TestConnection(c *gin.Context) {
	if !h.LLMService.IsReady() {
		h.Response.Error(c, http.StatusServiceUnavailable, ErrorLLMServiceUnavailable,
			"模型网关未配置")
		return
	}

	if err := h.LLMService.TestConnection(c.Request.Context()); err != nil {
		h.Response.Error(c, http.StatusBadGateway, ErrorConnectionFailed, err.Error())
		return
	}

	h.Response.Success(c, gin.H{"provider": h.LLMService.GetProviderName()}, "连接正常")
}

// GetLLMStatus 获取模型网关状态
func (h *Handler) GetLLMStatus(c *gin.Context) {
	h.Response.Success(c, h.LLMService.GetStatus())
}

// GetLLMModels 列出各提供商支持的模型
func (h *Handler) GetLLMModels(c *gin.Context) {
	providers := llm.ListProviders()
	result := make(map[string][]string, len(providers))
	for _, name := range providers {
		result[name] = llm.GetSupportedModelsForProvider(name)
	}

	h.Response.Success(c, result)
}

// ========================================
// 运维端点
// ========================================

// GetConfigHealth 配置健康检查
func (h *Handler) GetConfigHealth(c *gin.Context) {
	cfg := config.GetCurrentConfig()
	if cfg == nil {
		h.Response.Error(c, http.StatusServiceUnavailable, ErrorConfigNotLoaded, "配置未加载")
		return
	}

	issues := make([]string, 0)
	if cfg.LLMProvider == "" {
		issues = append(issues, "未配置模型提供商")
	}
	if cfg.LLMConfig["api_key"] == "" {
		issues = append(issues, "未配置API密钥")
	}

	h.Response.Success(c, gin.H{
		"healthy":   len(issues) == 0,
		"issues":    issues,
		"provider":  cfg.LLMProvider,
		"gateway":   h.LLMService.IsReady(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// GetMetrics 运行指标快照
func (h *Handler) GetMetrics(c *gin.Context) {
	h.Response.Success(c, utils.GetMetricsCollector().GetMetrics())
}

// GetWebSocketStatus 获取进度订阅连接状态（调试用）
func (h *Handler) GetWebSocketStatus(c *gin.Context) {
	status := wsManager.GetStatus()
	status["ping_timeout_seconds"] = int(wsManager.pingTimeout.Seconds())
	status["timestamp"] = time.Now().Format(time.RFC3339)

	c.JSON(http.StatusOK, status)
}

// HealthCheck 服务存活探针
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// ---- 辅助函数 ----

// parsePagination 解析page/per_page查询参数，越界值回落到默认
func parsePagination(c *gin.Context) (page, perPage int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	perPage, _ = strconv.Atoi(c.DefaultQuery("per_page", "20"))
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	return page, perPage
}

func contains(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}

// maskSecret 只保留首尾各2位
func maskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 6 {
		return "******"
	}
	return secret[:2] + "****" + secret[len(secret)-2:]
}
