// internal/services/export_service.go
package services

import (
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/darksider-9/ThesisForge-AI/internal/errors"
	"github.com/darksider-9/ThesisForge-AI/internal/models"
	"github.com/darksider-9/ThesisForge-AI/internal/storage"
	"github.com/darksider-9/ThesisForge-AI/internal/utils"
)

// ExportService 把会话的大纲重建为文档
// markdown是内部规范形态，其余格式都从它派生
type ExportService struct {
	storage *storage.FileStorage
	logger  *utils.Logger
}

// NewExportService 创建导出服务
func NewExportService(fileStorage *storage.FileStorage) *ExportService {
	return &ExportService{
		storage: fileStorage,
		logger:  utils.GetLogger(),
	}
}

// Export 生成指定格式的文档并落盘
func (s *ExportService) Export(session *models.ThesisSession, format string) (*models.ExportResult, error) {
	if len(session.Outline) == 0 {
		return nil, apperrors.NewValidationError("会话还没有大纲，无法导出", nil)
	}

	var content string
	var ext string

	switch strings.ToLower(format) {
	case "markdown", "md":
		content = s.BuildMarkdown(session)
		ext = "md"
	case "txt", "text":
		content = s.buildText(session)
		ext = "txt"
	case "html":
		content = renderTextToHTMLDocument(session.Input.Topic, s.buildText(session))
		ext = "html"
	case "latex", "tex":
		content = s.buildLaTeX(session)
		ext = "tex"
	default:
		return nil, apperrors.NewValidationError("不支持的导出格式: "+format, nil)
	}

	filename := fmt.Sprintf("thesis_%s.%s", time.Now().Format("20060102_150405"), ext)
	dirPath := "sessions/" + session.ID + "/exports"

	result := &models.ExportResult{
		SessionID:   session.ID,
		Title:       session.Input.Topic,
		Format:      format,
		Content:     content,
		GeneratedAt: time.Now(),
		WordCount:   utf8.RuneCountInString(content),
	}

	// 落盘是尽力而为：存档失败不阻塞下载
	if err := s.storage.SaveTextFile(dirPath, filename, []byte(content)); err != nil {
		s.logger.Warn("导出文件存档失败", map[string]interface{}{
			"session_id": session.ID,
			"format":     format,
			"error":      err.Error(),
		})
	} else {
		result.FilePath = dirPath + "/" + filename
		result.FileSize = int64(len(content))
	}

	return result, nil
}

// BuildMarkdown 按大纲顺序拼接标题/正文/图表，附自动生成的目录
func (s *ExportService) BuildMarkdown(session *models.ThesisSession) string {
	var b strings.Builder

	if session.Input.Topic != "" {
		b.WriteString("# ")
		b.WriteString(session.Input.Topic)
		b.WriteString("\n\n")
	}

	// 自动目录
	if toc := buildTableOfContents(session.Outline); toc != "" {
		b.WriteString("## 目录\n\n")
		b.WriteString(toc)
		b.WriteString("\n")
	}

	for _, sec := range session.Outline {
		b.WriteString(headingLine(sec))
		b.WriteString("\n\n")

		if text := strings.TrimSpace(sec.Content); text != "" {
			b.WriteString(text)
			b.WriteString("\n\n")
		}

		if visuals := strings.TrimSpace(sec.Visuals); visuals != "" {
			b.WriteString(visuals)
			b.WriteString("\n\n")
		}
	}

	return b.String()
}

// buildTableOfContents 按层级缩进列出各小节
func buildTableOfContents(outline []models.Section) string {
	var b strings.Builder
	for _, sec := range outline {
		indent := strings.Repeat("  ", maxInt(sec.Level-1, 0))
		b.WriteString(indent)
		b.WriteString("- ")
		b.WriteString(plainTitle(sec.Title))
		b.WriteString("\n")
	}
	return b.String()
}

// headingLine 标题已内嵌标记就原样用，否则按层级补标记
func headingLine(sec models.Section) string {
	trimmed := strings.TrimSpace(sec.Title)
	if strings.HasPrefix(trimmed, "#") {
		return trimmed
	}

	level := sec.Level
	if level < 1 {
		level = 1
	}
	if level > 6 {
		level = 6
	}
	return strings.Repeat("#", level) + " " + trimmed
}

// plainTitle 去掉标题里的markdown标记
func plainTitle(title string) string {
	trimmed := strings.TrimSpace(title)
	trimmed = strings.TrimLeft(trimmed, "#")
	return strings.TrimSpace(trimmed)
}

// buildText 纯文本形态：去掉标题标记
func (s *ExportService) buildText(session *models.ThesisSession) string {
	var b strings.Builder

	if session.Input.Topic != "" {
		b.WriteString(session.Input.Topic)
		b.WriteString("\n\n")
	}

	for _, sec := range session.Outline {
		b.WriteString(plainTitle(sec.Title))
		b.WriteString("\n\n")

		if text := strings.TrimSpace(sec.Content); text != "" {
			b.WriteString(text)
			b.WriteString("\n\n")
		}

		if visuals := strings.TrimSpace(sec.Visuals); visuals != "" {
			b.WriteString(visuals)
			b.WriteString("\n\n")
		}
	}

	return b.String()
}

// buildLaTeX 生成一个可编译的LaTeX工程文本
func (s *ExportService) buildLaTeX(session *models.ThesisSession) string {
	var b strings.Builder

	b.WriteString("\\documentclass[UTF8]{ctexrep}\n")
	b.WriteString("\\usepackage{graphicx}\n")
	b.WriteString("\\usepackage{booktabs}\n\n")
	fmt.Fprintf(&b, "\\title{%s}\n", escapeLaTeX(session.Input.Topic))
	b.WriteString("\\begin{document}\n\\maketitle\n\\tableofcontents\n\n")

	for _, sec := range session.Outline {
		title := escapeLaTeX(plainTitle(sec.Title))
		switch {
		case sec.Level <= 1:
			fmt.Fprintf(&b, "\\chapter{%s}\n", title)
		case sec.Level == 2:
			fmt.Fprintf(&b, "\\section{%s}\n", title)
		default:
			fmt.Fprintf(&b, "\\subsection{%s}\n", title)
		}

		if text := strings.TrimSpace(sec.Content); text != "" {
			b.WriteString(escapeLaTeX(text))
			b.WriteString("\n\n")
		}

		if visuals := strings.TrimSpace(sec.Visuals); visuals != "" {
			b.WriteString(escapeLaTeX(visuals))
			b.WriteString("\n\n")
		}
	}

	b.WriteString("\\end{document}\n")
	return b.String()
}

// escapeLaTeX 只处理正文里最常见的特殊字符
func escapeLaTeX(text string) string {
	replacer := strings.NewReplacer(
		"&", "\\&",
		"%", "\\%",
		"#", "\\#",
		"_", "\\_",
	)
	return replacer.Replace(text)
}

func renderTextToHTMLDocument(title, text string) string {
	// 没有第三方markdown渲染器：导出文本包进<pre>块，
	// 既保留排版又是一个可直接下载的完整HTML文档
	escaped := html.EscapeString(text)

	return "<!doctype html>\n" +
		"<html lang=\"zh-CN\">\n" +
		"<head>\n" +
		"  <meta charset=\"utf-8\">\n" +
		"  <meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n" +
		"  <title>" + html.EscapeString(title) + "</title>\n" +
		"</head>\n" +
		"<body>\n" +
		"<pre style=\"white-space: pre-wrap;\">" + escaped + "</pre>\n" +
		"</body>\n" +
		"</html>\n"
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
