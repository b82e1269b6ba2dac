// internal/services/export_service_test.go
package services

import (
	"strings"
	"testing"

	apperrors "github.com/darksider-9/ThesisForge-AI/internal/errors"
	"github.com/darksider-9/ThesisForge-AI/internal/models"
	"github.com/darksider-9/ThesisForge-AI/internal/storage"
)

func newTestExport(t *testing.T) *ExportService {
	t.Helper()

	fileStorage, err := storage.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("创建文件存储失败: %v", err)
	}
	return NewExportService(fileStorage)
}

func sampleSession() *models.ThesisSession {
	return &models.ThesisSession{
		Version: models.SessionVersion,
		ID:      "test-session",
		Input:   models.ThesisInput{Topic: "边缘计算下的模型压缩"},
		Outline: []models.Section{
			{ID: "c1", Title: "# 第一章 绪论", Level: 1, Content: "绪论正文"},
			{ID: "s1", Title: "1.1 研究背景", Level: 2, Content: "背景正文", Visuals: "| 表1 |"},
			{ID: "ref", Title: "参考文献", Level: 1, Content: "[1] 某论文"},
		},
	}
}

func TestBuildMarkdownStructure(t *testing.T) {
	svc := newTestExport(t)
	md := svc.BuildMarkdown(sampleSession())

	if !strings.HasPrefix(md, "# 边缘计算下的模型压缩") {
		t.Errorf("文档应以选题为一级标题开头:\n%s", md[:min(len(md), 100)])
	}
	if !strings.Contains(md, "## 目录") {
		t.Error("应包含自动目录")
	}
	if !strings.Contains(md, "  - 1.1 研究背景") {
		t.Error("目录应按层级缩进且去掉标题标记")
	}

	// 小节按大纲顺序出现
	posIntro := strings.Index(md, "绪论正文")
	posBg := strings.Index(md, "背景正文")
	posRef := strings.Index(md, "[1] 某论文")
	if posIntro < 0 || posBg < 0 || posRef < 0 {
		t.Fatal("各小节正文都应出现在文档中")
	}
	if !(posIntro < posBg && posBg < posRef) {
		t.Error("小节应按大纲顺序输出")
	}

	if !strings.Contains(md, "| 表1 |") {
		t.Error("图表应紧随所属小节正文")
	}
}

func TestBuildMarkdownGeneratesHeadingMarkers(t *testing.T) {
	svc := newTestExport(t)
	session := &models.ThesisSession{
		Input: models.ThesisInput{Topic: "测试"},
		Outline: []models.Section{
			{ID: "a", Title: "裸标题无标记", Level: 2},
		},
	}

	md := svc.BuildMarkdown(session)
	if !strings.Contains(md, "## 裸标题无标记") {
		t.Errorf("无标记标题应按层级补标记:\n%s", md)
	}
}

func TestExportFormats(t *testing.T) {
	svc := newTestExport(t)
	session := sampleSession()

	for _, format := range []string{"markdown", "txt", "html", "latex"} {
		result, err := svc.Export(session, format)
		if err != nil {
			t.Fatalf("导出%s失败: %v", format, err)
		}
		if result.Content == "" {
			t.Errorf("导出%s内容为空", format)
		}
		if result.WordCount == 0 {
			t.Errorf("导出%s字数统计为0", format)
		}
	}
}

func TestExportHTMLEscapes(t *testing.T) {
	svc := newTestExport(t)
	session := &models.ThesisSession{
		ID:    "html-test",
		Input: models.ThesisInput{Topic: "含<标签>的选题"},
		Outline: []models.Section{
			{ID: "a", Title: "第一章", Level: 1, Content: "正文带 <script> 字样"},
		},
	}

	result, err := svc.Export(session, "html")
	if err != nil {
		t.Fatalf("导出HTML失败: %v", err)
	}
	if strings.Contains(result.Content, "<script>") {
		t.Error("正文中的HTML应被转义")
	}
	if !strings.Contains(result.Content, "&lt;script&gt;") {
		t.Error("转义后的内容应保留原文")
	}
}

func TestExportLaTeXEscapes(t *testing.T) {
	svc := newTestExport(t)
	session := &models.ThesisSession{
		ID:    "tex-test",
		Input: models.ThesisInput{Topic: "压缩率95%的方法"},
		Outline: []models.Section{
			{ID: "a", Title: "第一章", Level: 1, Content: "准确率提升了3% 且参数量_减半"},
		},
	}

	result, err := svc.Export(session, "latex")
	if err != nil {
		t.Fatalf("导出LaTeX失败: %v", err)
	}
	if !strings.Contains(result.Content, `3\%`) {
		t.Error("百分号应被转义")
	}
	if !strings.Contains(result.Content, `参数量\_减半`) {
		t.Error("下划线应被转义")
	}
	if !strings.Contains(result.Content, `\chapter{第一章}`) {
		t.Error("一级小节应映射为chapter")
	}
}

func TestExportUnsupportedFormat(t *testing.T) {
	svc := newTestExport(t)

	_, err := svc.Export(sampleSession(), "docx")
	if !apperrors.IsValidationError(err) {
		t.Errorf("不支持的格式应返回校验错误，实际: %v", err)
	}
}

func TestExportEmptyOutline(t *testing.T) {
	svc := newTestExport(t)

	_, err := svc.Export(&models.ThesisSession{ID: "empty"}, "markdown")
	if !apperrors.IsValidationError(err) {
		t.Errorf("没有大纲时应返回校验错误，实际: %v", err)
	}
}
