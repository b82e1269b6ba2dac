// internal/services/generator_service_test.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	apperrors "github.com/darksider-9/ThesisForge-AI/internal/errors"
	"github.com/darksider-9/ThesisForge-AI/internal/llm"
	"github.com/darksider-9/ThesisForge-AI/internal/models"
)

func makeOutline(titles ...string) []models.Section {
	outline := make([]models.Section, 0, len(titles))
	for i, title := range titles {
		level := 2
		if strings.HasPrefix(title, "第") || strings.Contains(title, "章") {
			level = 1
		}
		outline = append(outline, models.Section{
			ID:    fmt.Sprintf("s%d", i+1),
			Title: title,
			Level: level,
		})
	}
	return outline
}

func writerAgent() models.AgentDescriptor {
	return models.AgentDescriptor{
		ID:           "writer",
		Name:         "正文撰写员",
		SystemPrompt: "测试提示",
		Mode:         models.ModeContent,
	}
}

func chartsAgent() models.AgentDescriptor {
	return models.AgentDescriptor{
		ID:           "charts",
		Name:         "图表设计师",
		SystemPrompt: "测试提示",
		Mode:         models.ModeVisuals,
	}
}

// respondAllIDs 把提示里出现的所有小节id都回填同一段文本
func respondAllIDs(outline []models.Section, value string) func(int, llm.CompletionRequest) (string, error) {
	return func(_ int, req llm.CompletionRequest) (string, error) {
		result := make(map[string]string)
		for _, sec := range outline {
			if strings.Contains(req.Prompt, "id: "+sec.ID+" ") ||
				strings.Contains(req.Prompt, "id: "+sec.ID+"\n") ||
				strings.Contains(req.Prompt, "id: "+sec.ID+" |") {
				result[sec.ID] = value
			}
		}
		data, _ := json.Marshal(result)
		return string(data), nil
	}
}

func TestFillChapterWritesContent(t *testing.T) {
	outline := makeOutline("第一章 绪论", "研究背景", "研究意义")

	llmService, provider := newFakeLLM(respondAllIDs(outline, "生成的正文内容"))
	gen := NewGeneratorService(llmService)

	chapters := ChapterGroups(outline)
	if len(chapters) != 1 {
		t.Fatalf("期望1章，实际%d章", len(chapters))
	}

	if err := gen.FillChapter(context.Background(), outline, chapters[0], writerAgent(), "上下文"); err != nil {
		t.Fatalf("填充失败: %v", err)
	}

	if provider.callCount() != 1 {
		t.Errorf("成功的整章应该只调用1次网关，实际%d次", provider.callCount())
	}
	for i := range outline {
		if outline[i].Content != "生成的正文内容" {
			t.Errorf("小节 %s 正文未写入: %q", outline[i].ID, outline[i].Content)
		}
	}
}

func TestFillChapterExactlyFourCallsOnMalformed(t *testing.T) {
	// 9个小节的章：整批1次失败 + 3个子批次各1次 = 恰好4次网关调用
	titles := make([]string, 9)
	titles[0] = "第一章 绪论"
	for i := 1; i < 9; i++ {
		titles[i] = fmt.Sprintf("小节%d", i)
	}
	outline := makeOutline(titles...)

	llmService, provider := newFakeLLM(func(int, llm.CompletionRequest) (string, error) {
		return "完全不是JSON的输出", nil
	})
	gen := NewGeneratorService(llmService)

	chapters := ChapterGroups(outline)
	err := gen.FillChapter(context.Background(), outline, chapters[0], writerAgent(), "")
	if err != nil {
		t.Fatalf("格式错误应被吞掉（部分完成），实际返回: %v", err)
	}

	if provider.callCount() != 4 {
		t.Errorf("期望恰好4次网关调用，实际%d次", provider.callCount())
	}
	for i := range outline {
		if outline[i].Content != "" {
			t.Errorf("解析全部失败时小节应保持为空: %s", outline[i].ID)
		}
	}
}

func TestFillChapterIdempotentOnFilledStatus(t *testing.T) {
	// 已全部填充的章重跑一遍：填充状态集合不变
	outline := makeOutline("第一章 绪论", "研究背景", "研究意义")

	llmService, _ := newFakeLLM(respondAllIDs(outline, "生成的正文内容"))
	gen := NewGeneratorService(llmService)
	ch := ChapterGroups(outline)[0]

	for round := 1; round <= 2; round++ {
		if err := gen.FillChapter(context.Background(), outline, ch, writerAgent(), ""); err != nil {
			t.Fatalf("第%d轮填充失败: %v", round, err)
		}
	}

	filled, total := ChapterSummary(outline, ch, models.ModeContent)
	if filled != total {
		t.Errorf("重跑后填充状态应保持全满: %d/%d", filled, total)
	}
}

func TestFillChapterGatewayErrorPropagates(t *testing.T) {
	outline := makeOutline("第一章 绪论", "研究背景")

	llmService, provider := newFakeLLM(func(int, llm.CompletionRequest) (string, error) {
		return "", apperrors.NewRateLimitedError("请求过于频繁", nil)
	})
	gen := NewGeneratorService(llmService)

	err := gen.FillChapter(context.Background(), outline, ChapterGroups(outline)[0], writerAgent(), "")
	if !apperrors.IsRateLimitedError(err) {
		t.Fatalf("网关错误应原样向上传播，实际: %v", err)
	}

	if provider.callCount() != 1 {
		t.Errorf("网关错误不应触发拆分重试，实际%d次调用", provider.callCount())
	}
}

func TestFillChapterVisualsDenylist(t *testing.T) {
	outline := []models.Section{
		{ID: "ref", Title: "参考文献", Level: 1},
	}

	llmService, provider := newFakeLLM(func(int, llm.CompletionRequest) (string, error) {
		return `{"ref": "不应出现的图表"}`, nil
	})
	gen := NewGeneratorService(llmService)

	if err := gen.FillChapter(context.Background(), outline, ChapterGroups(outline)[0], chartsAgent(), ""); err != nil {
		t.Fatalf("跳过整章不应报错: %v", err)
	}

	if provider.callCount() != 0 {
		t.Errorf("参考文献章在图表模式下不应调用网关，实际%d次", provider.callCount())
	}
	if outline[0].Visuals != "" {
		t.Errorf("参考文献不应有图表: %q", outline[0].Visuals)
	}
}

func TestGenerateBatchIgnoresUnknownIDs(t *testing.T) {
	outline := makeOutline("第一章 绪论")

	llmService, _ := newFakeLLM(func(int, llm.CompletionRequest) (string, error) {
		return `{"s1": "正文", "ghost": "多给的内容"}`, nil
	})
	gen := NewGeneratorService(llmService)

	if err := gen.FillChapter(context.Background(), outline, ChapterGroups(outline)[0], writerAgent(), ""); err != nil {
		t.Fatalf("填充失败: %v", err)
	}

	if outline[0].Content != "正文" {
		t.Errorf("已知id应被写入: %q", outline[0].Content)
	}
}

func TestApplyValueStripsLeadingHeading(t *testing.T) {
	outline := makeOutline("第一章 绪论")

	llmService, _ := newFakeLLM(func(int, llm.CompletionRequest) (string, error) {
		return `{"s1": "# 第一章 绪论\n正文从这里开始"}`, nil
	})
	gen := NewGeneratorService(llmService)

	if err := gen.FillChapter(context.Background(), outline, ChapterGroups(outline)[0], writerAgent(), ""); err != nil {
		t.Fatalf("填充失败: %v", err)
	}

	if outline[0].Content != "正文从这里开始" {
		t.Errorf("开头的标题行应被去掉: %q", outline[0].Content)
	}
}

func TestApplyValueEmptyDoesNotOverwrite(t *testing.T) {
	outline := makeOutline("第一章 绪论")
	outline[0].Content = "已有正文"

	llmService, _ := newFakeLLM(func(int, llm.CompletionRequest) (string, error) {
		return `{"s1": "   "}`, nil
	})
	gen := NewGeneratorService(llmService)

	err := gen.FillChapter(context.Background(), outline, ChapterGroups(outline)[0], writerAgent(), "")
	if err != nil {
		t.Fatalf("不应返回错误: %v", err)
	}

	if outline[0].Content != "已有正文" {
		t.Errorf("空值不应覆盖已有正文: %q", outline[0].Content)
	}
}

func TestRegenerateSectionsWithInstruction(t *testing.T) {
	outline := makeOutline("第一章 绪论", "研究背景", "研究意义")
	outline[1].Content = "旧的正文"

	llmService, provider := newFakeLLM(func(_ int, req llm.CompletionRequest) (string, error) {
		if !strings.Contains(req.Prompt, "写得更详细一些") {
			return "", apperrors.NewValidationError("提示中缺少用户指令", nil)
		}
		return `{"s2": "重写后的正文"}`, nil
	})
	gen := NewGeneratorService(llmService)

	err := gen.RegenerateSections(context.Background(), outline, []string{"s2"}, writerAgent(), "上下文", "写得更详细一些")
	if err != nil {
		t.Fatalf("重新生成失败: %v", err)
	}

	if outline[1].Content != "重写后的正文" {
		t.Errorf("指定小节应被重写: %q", outline[1].Content)
	}
	if outline[2].Content != "" {
		t.Errorf("未指定的小节不应被改动: %q", outline[2].Content)
	}
	if provider.callCount() != 1 {
		t.Errorf("期望1次调用，实际%d次", provider.callCount())
	}
}

func TestChapterGroupsHeadlessLeading(t *testing.T) {
	outline := []models.Section{
		{ID: "abs", Title: "摘要", Level: 2},
		{ID: "c1", Title: "第一章 绪论", Level: 1},
		{ID: "c1s1", Title: "研究背景", Level: 2},
		{ID: "c2", Title: "第二章 相关工作", Level: 1},
	}

	chapters := ChapterGroups(outline)
	if len(chapters) != 3 {
		t.Fatalf("期望3章（无头章+2章），实际%d章", len(chapters))
	}
	if chapters[0].Title != "" {
		t.Errorf("无头章不应有标题: %q", chapters[0].Title)
	}
	if len(chapters[1].Indices) != 2 {
		t.Errorf("第一章应包含2个小节，实际%d", len(chapters[1].Indices))
	}
}

func TestSplitIndices(t *testing.T) {
	chunks := splitIndices([]int{0, 1, 2, 3, 4, 5, 6, 7, 8}, 3)
	if len(chunks) != 3 {
		t.Fatalf("期望3个子批次，实际%d", len(chunks))
	}
	for i, chunk := range chunks {
		if len(chunk) != 3 {
			t.Errorf("子批次%d长度不均: %d", i, len(chunk))
		}
	}

	// 小节数少于子批次数时不产生空批次
	small := splitIndices([]int{0, 1}, 3)
	if len(small) != 2 {
		t.Errorf("2个小节应只产生2个子批次，实际%d", len(small))
	}
}
