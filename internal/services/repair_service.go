// internal/services/repair_service.go
package services

import (
	"context"
	"strings"

	"github.com/darksider-9/ThesisForge-AI/internal/models"
	"github.com/darksider-9/ThesisForge-AI/internal/utils"
)

// RepairService 终审修补：重新扫描成稿，补齐目标字段完全缺失的章
// 只修全空的章。有人工审阅保留的半成品章绝不碰
type RepairService struct {
	generator *GeneratorService
	metrics   *utils.GenerationMetrics
	logger    *utils.Logger
}

// NewRepairService 创建修补服务
func NewRepairService(generator *GeneratorService) *RepairService {
	return &RepairService{
		generator: generator,
		metrics:   utils.NewGenerationMetrics(),
		logger:    utils.GetLogger(),
	}
}

// RunFinalPass 两轮独立修补：先正文后图表，各用专门的补写模板
func (s *RepairService) RunFinalPass(ctx context.Context, outline []models.Section, docContext string) error {
	if err := s.RepairMissing(ctx, outline, models.ModeContent, docContext); err != nil {
		return err
	}
	return s.RepairMissing(ctx, outline, models.ModeVisuals, docContext)
}

// RepairMissing 对指定模式做一轮修补
// 一章里只要有一个小节已有目标字段，整章跳过
func (s *RepairService) RepairMissing(ctx context.Context, outline []models.Section, mode models.GenerationMode, docContext string) error {
	agent := repairAgent(mode)

	for _, ch := range ChapterGroups(outline) {
		if !s.chapterCompletelyEmpty(outline, ch, mode) {
			continue
		}

		s.logger.Info("章节目标字段完全缺失，重新生成", map[string]interface{}{
			"chapter": ch.Title,
			"mode":    string(mode),
		})

		if err := s.generator.FillChapter(ctx, outline, ch, agent, docContext); err != nil {
			return err
		}

		s.metrics.RecordChapterRepaired(string(mode))
	}

	return nil
}

// chapterCompletelyEmpty 该章所有可参与的小节都缺目标字段才算空
// 图表模式下结构性标题不参与判断，否则参考文献这类章会被反复误修
func (s *RepairService) chapterCompletelyEmpty(outline []models.Section, ch Chapter, mode models.GenerationMode) bool {
	eligible := 0
	for _, i := range ch.Indices {
		if mode == models.ModeVisuals && isStructuralTitle(outline[i].Title) {
			continue
		}
		eligible++
		if strings.TrimSpace(mode.TargetField(&outline[i])) != "" {
			return false
		}
	}
	return eligible > 0
}

// repairAgent 修补轮使用的补写模板
func repairAgent(mode models.GenerationMode) models.AgentDescriptor {
	if mode == models.ModeVisuals {
		return models.AgentDescriptor{
			ID:           "reviewer",
			Name:         "终审修补员",
			Role:         "补做缺失图表",
			SystemPrompt: repairVisualsSystemPrompt,
			Mode:         models.ModeVisuals,
		}
	}
	return models.AgentDescriptor{
		ID:           "reviewer",
		Name:         "终审修补员",
		Role:         "补写缺失正文",
		SystemPrompt: repairContentSystemPrompt,
		Mode:         models.ModeContent,
	}
}
