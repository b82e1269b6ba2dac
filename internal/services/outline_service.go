// internal/services/outline_service.go
package services

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/darksider-9/ThesisForge-AI/internal/errors"
	"github.com/darksider-9/ThesisForge-AI/internal/models"
	"github.com/darksider-9/ThesisForge-AI/internal/parser"
	"github.com/darksider-9/ThesisForge-AI/internal/utils"
)

// OutlineService 大纲构建器：一次调用把选题变成带稳定标识的层级大纲
type OutlineService struct {
	llm    *LLMService
	logger *utils.Logger
}

// NewOutlineService 创建大纲构建器
func NewOutlineService(llmService *LLMService) *OutlineService {
	return &OutlineService{
		llm:    llmService,
		logger: utils.GetLogger(),
	}
}

// sectionDescriptor 模型返回的小节描述
type sectionDescriptor struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Level int    `json:"level"`
}

// BuildOutline 生成大纲
// 网关错误原样向上；响应形状无法提取出非空小节列表时
// 以 structure_generation_failed 失败
func (s *OutlineService) BuildOutline(ctx context.Context, input models.ThesisInput) ([]models.Section, error) {
	if strings.TrimSpace(input.Topic) == "" {
		return nil, apperrors.NewValidationError("研究主题不能为空", nil)
	}

	text, err := s.llm.Complete(ctx, outlineSystemPrompt, buildOutlinePrompt(input))
	if err != nil {
		return nil, err
	}

	result, err := parser.ExtractStructured(text)
	if err != nil {
		return nil, apperrors.NewStructureGenerationFailedError("无法从模型输出中构建大纲", err)
	}

	descriptors := extractSectionList(result.Value)
	if len(descriptors) == 0 {
		return nil, apperrors.NewStructureGenerationFailedError("模型输出中没有可用的小节列表", nil)
	}

	outline := make([]models.Section, 0, len(descriptors))
	for _, d := range descriptors {
		if strings.TrimSpace(d.Title) == "" {
			continue
		}

		sec := models.Section{
			ID:    d.ID,
			Title: d.Title,
			Level: d.Level,
		}
		if sec.ID == "" {
			sec.ID = uuid.NewString()
		}
		if sec.Level <= 0 {
			sec.Level = inferLevel(d.Title)
		}
		outline = append(outline, sec)
	}

	if len(outline) == 0 {
		return nil, apperrors.NewStructureGenerationFailedError("模型输出中没有可用的小节列表", nil)
	}

	s.logger.Info("大纲构建完成", map[string]interface{}{
		"topic":    input.Topic,
		"sections": len(outline),
	})

	return outline, nil
}

// extractSectionList 容忍三种响应形状：
// 裸数组、{"sections":[...]}、或在顶层对象里扫描第一个小节数组
func extractSectionList(raw json.RawMessage) []sectionDescriptor {
	// 裸数组
	if list, ok := decodeSectionArray(raw); ok {
		return list
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil
	}

	// 约定的包装形状
	if inner, exists := wrapper["sections"]; exists {
		if list, ok := decodeSectionArray(inner); ok {
			return list
		}
	}

	// 扫描顶层键，按键名排序保证确定性
	keys := make([]string, 0, len(wrapper))
	for k := range wrapper {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if list, ok := decodeSectionArray(wrapper[k]); ok {
			return list
		}
	}

	return nil
}

// decodeSectionArray 判断一个值是否是小节数组：非空且元素带title
func decodeSectionArray(raw json.RawMessage) ([]sectionDescriptor, bool) {
	var list []sectionDescriptor
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, false
	}
	if len(list) == 0 {
		return nil, false
	}

	hasTitle := false
	for _, d := range list {
		if strings.TrimSpace(d.Title) != "" {
			hasTitle = true
			break
		}
	}
	if !hasTitle {
		return nil, false
	}

	return list, true
}

// inferLevel 没给层级时按标题标记数推断
func inferLevel(title string) int {
	trimmed := strings.TrimLeft(title, " \t")
	hashes := 0
	for hashes < len(trimmed) && trimmed[hashes] == '#' {
		hashes++
	}
	if hashes >= 1 && hashes <= 6 {
		return hashes
	}
	return 1
}
