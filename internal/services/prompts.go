// internal/services/prompts.go
package services

import (
	"fmt"
	"strings"

	"github.com/darksider-9/ThesisForge-AI/internal/models"
)

// 提示模板集中在这里，代理只是命名的模板加角色

const outlineSystemPrompt = `你是一位学术论文结构规划专家，擅长为给定选题设计完整、层次清晰的论文大纲。
你只输出JSON，不输出任何解释性文字。`

const outlineUserPromptTemplate = `请为以下选题设计一份论文大纲。

[选题信息]
研究主题: %s
学科领域: %s
研究重点: %s

要求:
1. 大纲覆盖从绪论到结论的完整结构，包含参考文献、致谢等常规部分
2. 章为一级标题，节为二级标题，必要时使用三级标题
3. 标题使用markdown标题标记（#、##、###）

请严格按以下JSON格式返回:
{
  "sections": [
    {"id": "唯一标识", "title": "# 第一章 绪论", "level": 1},
    {"id": "唯一标识", "title": "## 1.1 研究背景", "level": 2}
  ]
}`

const writerSystemPrompt = `你是一位学术论文撰写专家，负责按大纲撰写规范、严谨的论文正文。
输出语言与小节标题语言一致。你只输出JSON，不输出任何解释性文字。`

const visualsSystemPrompt = `你是一位学术图表设计专家，负责为论文小节设计表格和图示（markdown表格或文字图示说明）。
你只输出JSON，不输出任何解释性文字。`

const repairContentSystemPrompt = `你是一位论文修订专家。此前的生成遗漏了部分章节的正文，你负责补写这些缺失内容，
风格需与一篇已完成的论文保持一致。你只输出JSON，不输出任何解释性文字。`

const repairVisualsSystemPrompt = `你是一位论文修订专家。此前的生成遗漏了部分章节的图表，你负责补做这些缺失图表。
你只输出JSON，不输出任何解释性文字。`

const titleRegenSystemPrompt = `你是一位学术论文结构规划专家，负责改写指定小节的标题。
返回的每个值都是替换标题（保留markdown标题标记），不是正文。你只输出JSON。`

// DefaultAgents 默认代理流水线
// 大纲规划 -> 正文撰写 -> 图表设计 -> 终审修补
func DefaultAgents() []models.AgentDescriptor {
	return []models.AgentDescriptor{
		{
			ID:           "structure",
			Name:         "大纲规划师",
			Role:         "规划论文整体结构，改写指定小节标题",
			SystemPrompt: titleRegenSystemPrompt,
			Mode:         models.ModeTitles,
			Status:       models.AgentIdle,
		},
		{
			ID:           "writer",
			Name:         "正文撰写员",
			Role:         "逐章撰写论文正文",
			SystemPrompt: writerSystemPrompt,
			Mode:         models.ModeContent,
			Status:       models.AgentIdle,
		},
		{
			ID:           "charts",
			Name:         "图表设计师",
			Role:         "为各小节设计表格与图示",
			SystemPrompt: visualsSystemPrompt,
			Mode:         models.ModeVisuals,
			Status:       models.AgentIdle,
		},
		{
			ID:           "reviewer",
			Name:         "终审修补员",
			Role:         "扫描全文并补齐完全缺失的章节",
			SystemPrompt: repairContentSystemPrompt,
			Mode:         models.ModeContent,
			Status:       models.AgentIdle,
		},
	}
}

// buildOutlinePrompt 组装大纲生成的用户提示
func buildOutlinePrompt(input models.ThesisInput) string {
	field := input.Field
	if field == "" {
		field = "未指定"
	}
	focus := input.Focus
	if focus == "" {
		focus = "未指定"
	}
	return fmt.Sprintf(outlineUserPromptTemplate, input.Topic, field, focus)
}

// buildBatchPrompt 组装一个批次（一章或子批次）的用户提示
// 列出批内每个小节的 id/标题/层级，要求一次性返回 id->文本 的JSON对象
func buildBatchPrompt(sections []models.Section, chapterTitle string, docContext string, mode models.GenerationMode, instruction string) string {
	var b strings.Builder

	switch mode {
	case models.ModeVisuals:
		b.WriteString("请为下列论文小节设计图表。\n\n")
	case models.ModeTitles:
		b.WriteString("请为下列论文小节改写标题。\n\n")
	default:
		b.WriteString("请为下列论文小节撰写正文。\n\n")
	}

	if chapterTitle != "" {
		b.WriteString("[所属章节]\n")
		b.WriteString(chapterTitle)
		b.WriteString("\n\n")
	}

	if docContext != "" {
		b.WriteString("[论文背景]\n")
		b.WriteString(docContext)
		b.WriteString("\n\n")
	}

	b.WriteString("[小节列表]\n")
	for _, s := range sections {
		fmt.Fprintf(&b, "- id: %s | 层级: %d | 标题: %s\n", s.ID, s.Level, s.Title)
	}

	if instruction != "" {
		b.WriteString("\n[用户要求]\n")
		b.WriteString(instruction)
		b.WriteString("\n")
	}

	b.WriteString("\n要求:\n")
	switch mode {
	case models.ModeVisuals:
		b.WriteString("1. 每个小节给出一个markdown表格或文字图示说明\n")
	case models.ModeTitles:
		b.WriteString("1. 每个值是该小节的替换标题，保留原有的markdown标题标记层级\n")
	default:
		b.WriteString("1. 正文不要重复小节标题本身\n2. 各小节之间保持叙述连贯\n")
	}

	b.WriteString("\n请严格按以下JSON格式一次性返回所有小节:\n")
	b.WriteString(`{"<id>": "生成内容", "<id>": "生成内容"}`)

	return b.String()
}

// buildThesisContext 用选题信息拼出论文背景段
func buildThesisContext(input models.ThesisInput) string {
	var parts []string
	if input.Topic != "" {
		parts = append(parts, "研究主题: "+input.Topic)
	}
	if input.Field != "" {
		parts = append(parts, "学科领域: "+input.Field)
	}
	if input.Focus != "" {
		parts = append(parts, "研究重点: "+input.Focus)
	}
	return strings.Join(parts, "\n")
}
