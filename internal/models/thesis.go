// internal/models/thesis.go
package models

// Section 文档骨架中的一个标题单元
// ID 在大纲生命周期内保持稳定，标题可能内嵌markdown标题标记
type Section struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Level   int    `json:"level"`
	Content string `json:"content,omitempty"`
	Visuals string `json:"visuals,omitempty"`
}

// GenerationMode 批量生成写入的目标字段
type GenerationMode string

const (
	ModeContent GenerationMode = "content"
	ModeVisuals GenerationMode = "visuals"

	// ModeTitles 结构代理的定点重生成：返回值是替换标题，不是正文
	ModeTitles GenerationMode = "titles"
)

// TargetField 返回该模式下某节的目标字段值
func (m GenerationMode) TargetField(s *Section) string {
	if m == ModeVisuals {
		return s.Visuals
	}
	return s.Content
}

// CloneSections 深拷贝大纲
// 每次变更前先拷贝，失败的生成不会污染上一份完好状态
func CloneSections(sections []Section) []Section {
	if sections == nil {
		return nil
	}
	cloned := make([]Section, len(sections))
	copy(cloned, sections)
	return cloned
}

// ThesisInput 用户输入的选题信息
type ThesisInput struct {
	Topic string `json:"topic"`
	Field string `json:"field,omitempty"`
	Focus string `json:"focus,omitempty"`
}
