// internal/services/outline_service_test.go
package services

import (
	"context"
	"strings"
	"testing"

	apperrors "github.com/darksider-9/ThesisForge-AI/internal/errors"
	"github.com/darksider-9/ThesisForge-AI/internal/llm"
	"github.com/darksider-9/ThesisForge-AI/internal/models"
)

func outlineServiceReturning(text string) *OutlineService {
	llmService, _ := newFakeLLM(func(int, llm.CompletionRequest) (string, error) {
		return text, nil
	})
	return NewOutlineService(llmService)
}

func TestBuildOutlineWrapperShape(t *testing.T) {
	svc := outlineServiceReturning(`{"sections":[{"id":"a","title":"# 第一章 绪论","level":1}]}`)

	outline, err := svc.BuildOutline(context.Background(), models.ThesisInput{
		Topic: "边缘计算下的模型压缩",
	})
	if err != nil {
		t.Fatalf("构建大纲失败: %v", err)
	}

	if len(outline) != 1 {
		t.Fatalf("期望1个小节，实际%d", len(outline))
	}
	sec := outline[0]
	if sec.ID != "a" {
		t.Errorf("id应为a，实际 %q", sec.ID)
	}
	if sec.Level != 1 {
		t.Errorf("层级应为1，实际 %d", sec.Level)
	}
	if !strings.Contains(sec.Title, "绪论") {
		t.Errorf("标题应包含绪论，实际 %q", sec.Title)
	}
}

func TestBuildOutlineBareArray(t *testing.T) {
	svc := outlineServiceReturning(`[{"id":"a","title":"# 第一章","level":1},{"id":"b","title":"## 1.1 背景","level":2}]`)

	outline, err := svc.BuildOutline(context.Background(), models.ThesisInput{Topic: "测试选题"})
	if err != nil {
		t.Fatalf("裸数组形状应被接受: %v", err)
	}
	if len(outline) != 2 {
		t.Errorf("期望2个小节，实际%d", len(outline))
	}
}

func TestBuildOutlineScansTopLevelKeys(t *testing.T) {
	// 既不是裸数组也不是约定的sections键，扫描顶层找小节数组
	svc := outlineServiceReturning(`{"说明":"以下是大纲","outline_items":[{"id":"a","title":"# 第一章","level":1}]}`)

	outline, err := svc.BuildOutline(context.Background(), models.ThesisInput{Topic: "测试选题"})
	if err != nil {
		t.Fatalf("顶层键扫描应找到小节数组: %v", err)
	}
	if len(outline) != 1 {
		t.Errorf("期望1个小节，实际%d", len(outline))
	}
}

func TestBuildOutlineMissingIDGetsGenerated(t *testing.T) {
	svc := outlineServiceReturning(`{"sections":[{"title":"# 第一章 绪论"}]}`)

	outline, err := svc.BuildOutline(context.Background(), models.ThesisInput{Topic: "测试选题"})
	if err != nil {
		t.Fatalf("构建大纲失败: %v", err)
	}

	if outline[0].ID == "" {
		t.Error("缺失的id应自动生成")
	}
	if outline[0].Level != 1 {
		t.Errorf("缺失层级应按标题标记推断为1，实际%d", outline[0].Level)
	}
}

func TestBuildOutlineInferLevelFromHashes(t *testing.T) {
	svc := outlineServiceReturning(`{"sections":[{"id":"x","title":"## 1.1 研究背景"}]}`)

	outline, err := svc.BuildOutline(context.Background(), models.ThesisInput{Topic: "测试选题"})
	if err != nil {
		t.Fatalf("构建大纲失败: %v", err)
	}
	if outline[0].Level != 2 {
		t.Errorf("##应推断为层级2，实际%d", outline[0].Level)
	}
}

func TestBuildOutlineStructureGenerationFailed(t *testing.T) {
	cases := map[string]string{
		"非JSON输出":  "这不是任何结构化内容",
		"没有小节数组":   `{"comment": "没有数组"}`,
		"数组元素没有标题": `{"sections":[{"id":"a"}]}`,
	}

	for name, response := range cases {
		t.Run(name, func(t *testing.T) {
			svc := outlineServiceReturning(response)

			_, err := svc.BuildOutline(context.Background(), models.ThesisInput{Topic: "测试选题"})
			if !apperrors.IsStructureGenerationFailedError(err) {
				t.Errorf("期望structure_generation_failed，实际: %v", err)
			}
		})
	}
}

func TestBuildOutlineGatewayErrorPropagates(t *testing.T) {
	llmService, _ := newFakeLLM(func(int, llm.CompletionRequest) (string, error) {
		return "", apperrors.NewUnauthorizedError("密钥无效", nil)
	})
	svc := NewOutlineService(llmService)

	_, err := svc.BuildOutline(context.Background(), models.ThesisInput{Topic: "测试选题"})
	if !apperrors.IsUnauthorizedError(err) {
		t.Errorf("网关错误应原样向上传播，实际: %v", err)
	}
}

func TestBuildOutlineEmptyTopic(t *testing.T) {
	svc := outlineServiceReturning(`{}`)

	_, err := svc.BuildOutline(context.Background(), models.ThesisInput{})
	if !apperrors.IsValidationError(err) {
		t.Errorf("空主题应返回校验错误，实际: %v", err)
	}
}
