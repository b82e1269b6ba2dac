// internal/services/repair_service_test.go
package services

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/darksider-9/ThesisForge-AI/internal/llm"
	"github.com/darksider-9/ThesisForge-AI/internal/models"
)

func TestRepairSkipsPartiallyFilledChapter(t *testing.T) {
	// 3个小节里有1个已填充：整章不碰
	outline := []models.Section{
		{ID: "c1", Title: "第一章 绪论", Level: 1, Content: "已有正文"},
		{ID: "s1", Title: "研究背景", Level: 2},
		{ID: "s2", Title: "研究意义", Level: 2},
	}

	llmService, provider := newFakeLLM(func(int, llm.CompletionRequest) (string, error) {
		return `{"s1": "不应出现"}`, nil
	})
	repair := NewRepairService(NewGeneratorService(llmService))

	if err := repair.RepairMissing(context.Background(), outline, models.ModeContent, ""); err != nil {
		t.Fatalf("修补失败: %v", err)
	}

	if provider.callCount() != 0 {
		t.Errorf("部分填充的章不应触发修补，实际%d次调用", provider.callCount())
	}
	if outline[1].Content != "" || outline[2].Content != "" {
		t.Error("未触发修补时小节不应被改动")
	}
}

func TestRepairFillsCompletelyEmptyChapter(t *testing.T) {
	outline := []models.Section{
		{ID: "c1", Title: "第一章 绪论", Level: 1, Content: "正文"},
		{ID: "c2", Title: "第二章 相关工作", Level: 1},
		{ID: "s1", Title: "2.1 已有方法", Level: 2},
	}

	llmService, provider := newFakeLLM(func(_ int, req llm.CompletionRequest) (string, error) {
		result := make(map[string]string)
		for _, id := range []string{"c2", "s1"} {
			if strings.Contains(req.Prompt, "id: "+id+" |") {
				result[id] = "补写的正文"
			}
		}
		data, _ := json.Marshal(result)
		return string(data), nil
	})
	repair := NewRepairService(NewGeneratorService(llmService))

	if err := repair.RepairMissing(context.Background(), outline, models.ModeContent, ""); err != nil {
		t.Fatalf("修补失败: %v", err)
	}

	if provider.callCount() != 1 {
		t.Errorf("期望1次修补调用，实际%d次", provider.callCount())
	}
	if outline[0].Content != "正文" {
		t.Error("已填充的章不应被改动")
	}
	if outline[1].Content != "补写的正文" || outline[2].Content != "补写的正文" {
		t.Errorf("空章应被补写: %q / %q", outline[1].Content, outline[2].Content)
	}
}

func TestRepairVisualsIgnoresStructuralChapters(t *testing.T) {
	// 参考文献章没有图表是正常状态，图表修补轮不应反复误修
	outline := []models.Section{
		{ID: "ref", Title: "参考文献", Level: 1},
	}

	llmService, provider := newFakeLLM(func(int, llm.CompletionRequest) (string, error) {
		return `{"ref": "不应出现"}`, nil
	})
	repair := NewRepairService(NewGeneratorService(llmService))

	if err := repair.RepairMissing(context.Background(), outline, models.ModeVisuals, ""); err != nil {
		t.Fatalf("修补失败: %v", err)
	}

	if provider.callCount() != 0 {
		t.Errorf("结构性章在图表模式下不应触发修补，实际%d次", provider.callCount())
	}
}

func TestRunFinalPassRepairsBothFields(t *testing.T) {
	outline := []models.Section{
		{ID: "c1", Title: "第一章 实验分析", Level: 1},
	}

	llmService, provider := newFakeLLM(func(_ int, req llm.CompletionRequest) (string, error) {
		if strings.Contains(req.Prompt, "设计图表") {
			return `{"c1": "| 指标 | 数值 |"}`, nil
		}
		return `{"c1": "补写的正文"}`, nil
	})
	repair := NewRepairService(NewGeneratorService(llmService))

	if err := repair.RunFinalPass(context.Background(), outline, ""); err != nil {
		t.Fatalf("终审修补失败: %v", err)
	}

	if provider.callCount() != 2 {
		t.Errorf("正文+图表两轮各1次，实际%d次", provider.callCount())
	}
	if outline[0].Content != "补写的正文" {
		t.Errorf("正文未补写: %q", outline[0].Content)
	}
	if !strings.Contains(outline[0].Visuals, "指标") {
		t.Errorf("图表未补做: %q", outline[0].Visuals)
	}
}
