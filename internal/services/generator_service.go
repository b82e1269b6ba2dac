// internal/services/generator_service.go
package services

import (
	"context"
	"encoding/json"
	"strings"

	apperrors "github.com/darksider-9/ThesisForge-AI/internal/errors"
	"github.com/darksider-9/ThesisForge-AI/internal/models"
	"github.com/darksider-9/ThesisForge-AI/internal/parser"
	"github.com/darksider-9/ThesisForge-AI/internal/utils"
)

// 拆分重试时的子批次数量
const subBatchCount = 3

// visualsDenylist 图表模式下跳过的结构性标题关键词
// 这些部分永远不生成图表
var visualsDenylist = []string{
	"摘要", "abstract",
	"致谢", "acknowledg",
	"参考文献", "references",
	"附录", "appendix",
	"目录", "table of contents",
}

// GeneratorService 分章批量生成器
// 一章一个提示，解析失败时拆成子批次重试，网关错误直接向上传播
type GeneratorService struct {
	llm     *LLMService
	metrics *utils.GenerationMetrics
	logger  *utils.Logger
}

// NewGeneratorService 创建批量生成器
func NewGeneratorService(llmService *LLMService) *GeneratorService {
	return &GeneratorService{
		llm:     llmService,
		metrics: utils.NewGenerationMetrics(),
		logger:  utils.GetLogger(),
	}
}

// Chapter 章分组：一级小节及其后连续的更深层级小节
// 每次生成前从当前大纲顺序重新计算，不缓存
type Chapter struct {
	Title   string
	Indices []int
}

// ChapterGroups 按阅读顺序把大纲切成章
// 一级小节开启新章，出现在首个一级小节之前的小节归入一个无头章
func ChapterGroups(outline []models.Section) []Chapter {
	var chapters []Chapter

	for i, s := range outline {
		if s.Level == 1 || len(chapters) == 0 {
			title := ""
			if s.Level == 1 {
				title = s.Title
			}
			chapters = append(chapters, Chapter{Title: title})
		}
		last := &chapters[len(chapters)-1]
		last.Indices = append(last.Indices, i)
	}

	return chapters
}

// isStructuralTitle 判断标题是否命中结构性关键词
func isStructuralTitle(title string) bool {
	lower := strings.ToLower(title)
	for _, keyword := range visualsDenylist {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

// FillChapter 为一章的所有小节生成目标字段
// 图表模式下结构性标题的小节整段跳过
func (s *GeneratorService) FillChapter(ctx context.Context, outline []models.Section, ch Chapter, agent models.AgentDescriptor, docContext string) error {
	batch := s.selectBatch(outline, ch.Indices, agent.Mode)
	if len(batch) == 0 {
		return nil
	}

	return s.fillBatchWithSplit(ctx, outline, batch, ch.Title, agent, docContext, "")
}

// RegenerateSections 定点重生成：同一套批量契约作用在调用方指定的小节子集上
// instruction 是用户附加的自由文本要求
// 结构代理（titles模式）返回的是替换标题而不是正文
func (s *GeneratorService) RegenerateSections(ctx context.Context, outline []models.Section, ids []string, agent models.AgentDescriptor, docContext string, instruction string) error {
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}

	var indices []int
	for i, sec := range outline {
		if idSet[sec.ID] {
			indices = append(indices, i)
		}
	}

	batch := s.selectBatch(outline, indices, agent.Mode)
	if len(batch) == 0 {
		return nil
	}

	return s.fillBatchWithSplit(ctx, outline, batch, "", agent, docContext, instruction)
}

// selectBatch 过滤出本批参与的小节下标
func (s *GeneratorService) selectBatch(outline []models.Section, indices []int, mode models.GenerationMode) []int {
	var batch []int
	for _, i := range indices {
		if mode == models.ModeVisuals && isStructuralTitle(outline[i].Title) {
			continue
		}
		batch = append(batch, i)
	}
	return batch
}

// fillBatchWithSplit 整批调用一次；仅在输出格式错误时拆成子批次各重试一次，
// 仍失败的子批次记录后跳过（接受部分完成），其余错误原样向上
func (s *GeneratorService) fillBatchWithSplit(ctx context.Context, outline []models.Section, batch []int, chapterTitle string, agent models.AgentDescriptor, docContext string, instruction string) error {
	err := s.generateBatch(ctx, outline, batch, chapterTitle, agent, docContext, instruction)
	if err == nil {
		return nil
	}
	if !apperrors.IsMalformedOutputError(err) {
		return err
	}

	s.metrics.RecordBatchSplit(chapterTitle)
	s.logger.Warn("整章输出无法解析，拆分为子批次重试", map[string]interface{}{
		"chapter":  chapterTitle,
		"sections": len(batch),
		"agent":    agent.ID,
	})

	for _, sub := range splitIndices(batch, subBatchCount) {
		if subErr := s.generateBatch(ctx, outline, sub, chapterTitle, agent, docContext, instruction); subErr != nil {
			if !apperrors.IsMalformedOutputError(subErr) {
				return subErr
			}
			// 子批次仍然失败：记录并跳过，这些小节留空等待修补
			s.metrics.RecordParseFailure("sub_batch")
			s.logger.Warn("子批次重试仍失败，跳过这些小节", map[string]interface{}{
				"chapter":  chapterTitle,
				"sections": len(sub),
				"agent":    agent.ID,
				"error":    subErr.Error(),
			})
		}
	}

	return nil
}

// generateBatch 一次网关调用 + 一次解析，把成功的 id->文本 写回大纲
func (s *GeneratorService) generateBatch(ctx context.Context, outline []models.Section, indices []int, chapterTitle string, agent models.AgentDescriptor, docContext string, instruction string) error {
	sections := make([]models.Section, 0, len(indices))
	byID := make(map[string]int, len(indices))
	for _, i := range indices {
		sections = append(sections, outline[i])
		byID[outline[i].ID] = i
	}

	prompt := buildBatchPrompt(sections, chapterTitle, docContext, agent.Mode, instruction)

	text, err := s.llm.Complete(ctx, agent.SystemPrompt, prompt)
	if err != nil {
		return err
	}

	result, err := parser.ExtractStructured(text)
	if err != nil {
		s.metrics.RecordParseFailure("batch")
		return err
	}

	values, err := decodeStringMap(result.Value)
	if err != nil {
		s.metrics.RecordParseFailure("batch_shape")
		return err
	}

	for id, value := range values {
		idx, known := byID[id]
		if !known {
			// 模型多给的id直接忽略
			continue
		}
		applyValue(&outline[idx], agent.Mode, value)
	}

	return nil
}

// decodeStringMap 把解析结果转成 id->文本 映射
// 顶层不是对象时按格式错误处理（走拆分重试）
func decodeStringMap(raw json.RawMessage) (map[string]string, error) {
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, apperrors.NewMalformedOutputError(
			"模型返回的不是 id->文本 的JSON对象", snippetOf(raw), err)
	}

	values := make(map[string]string, len(generic))
	for id, v := range generic {
		if text, ok := v.(string); ok {
			values[id] = text
		}
	}

	if len(values) == 0 {
		return nil, apperrors.NewMalformedOutputError(
			"JSON对象中没有任何字符串值", snippetOf(raw), nil)
	}

	return values, nil
}

func snippetOf(raw json.RawMessage) string {
	s := string(raw)
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// applyValue 写入目标字段，空值不覆盖已有内容
func applyValue(sec *models.Section, mode models.GenerationMode, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}

	switch mode {
	case models.ModeVisuals:
		sec.Visuals = value
	case models.ModeTitles:
		sec.Title = value
	default:
		sec.Content = stripLeadingHeading(value)
	}
}

// stripLeadingHeading 正文以markdown标题开头时去掉这一行
// 小节正文里不允许重复自己的标题
func stripLeadingHeading(text string) string {
	trimmed := strings.TrimLeft(text, " \t\n")
	if !strings.HasPrefix(trimmed, "#") {
		return strings.TrimSpace(text)
	}

	hashes := 0
	for hashes < len(trimmed) && trimmed[hashes] == '#' {
		hashes++
	}
	if hashes > 6 {
		return strings.TrimSpace(text)
	}

	if nl := strings.Index(trimmed, "\n"); nl >= 0 {
		return strings.TrimSpace(trimmed[nl+1:])
	}
	return ""
}

// splitIndices 把下标切成 n 个尽量均等的子批次
func splitIndices(indices []int, n int) [][]int {
	if len(indices) == 0 {
		return nil
	}
	if n > len(indices) {
		n = len(indices)
	}

	base := len(indices) / n
	rem := len(indices) % n

	var chunks [][]int
	start := 0
	for i := 0; i < n; i++ {
		size := base
		if i < rem {
			size++
		}
		chunks = append(chunks, indices[start:start+size])
		start += size
	}

	return chunks
}

// ChapterSummary 章的目标字段填充情况，进度展示用
func ChapterSummary(outline []models.Section, ch Chapter, mode models.GenerationMode) (filled, total int) {
	for _, i := range ch.Indices {
		total++
		if strings.TrimSpace(mode.TargetField(&outline[i])) != "" {
			filled++
		}
	}
	return filled, total
}
