// internal/models/session.go
package models

import (
	"time"
)

// SessionVersion 当前会话文档的格式版本
// 加载时版本不一致直接拒绝，不做猜测式兼容
const SessionVersion = 1

// WorkflowState 工作流状态机的状态
type WorkflowState string

const (
	StateIdle            WorkflowState = "idle"
	StateBuildingOutline WorkflowState = "building_outline"
	StateRunningAgent    WorkflowState = "running_agent"
	StatePausedForReview WorkflowState = "paused_for_review"
	StateRepairing       WorkflowState = "repairing"
	StateDone            WorkflowState = "done"
	StateFailed          WorkflowState = "failed"
)

// AgentStatus 流水线中单个代理的状态标签
type AgentStatus string

const (
	AgentIdle      AgentStatus = "idle"
	AgentWaiting   AgentStatus = "waiting"
	AgentWorking   AgentStatus = "working"
	AgentCompleted AgentStatus = "completed"
	AgentError     AgentStatus = "error"
)

// AgentDescriptor 一个命名的提示模板加角色
// 纯描述性，决定用哪套提示和批量行为，不属于内容数据模型
type AgentDescriptor struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Role         string         `json:"role"`
	SystemPrompt string         `json:"system_prompt"`
	Mode         GenerationMode `json:"mode"`
	Status       AgentStatus    `json:"status"`
}

// SessionLog 会话内的一条运行日志
type SessionLog struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// ThesisSession 单个JSON文档承载的完整会话
// 可下载/上传，包含输入、代理状态、大纲（正文/图表内联）、
// 各代理的markdown快照、日志和当前步骤指针
type ThesisSession struct {
	Version      int               `json:"version"`
	ID           string            `json:"id"`
	Input        ThesisInput       `json:"input"`
	Agents       []AgentDescriptor `json:"agents"`
	Outline      []Section         `json:"outline"`
	History      map[string]string `json:"history"`
	Logs         []SessionLog      `json:"logs,omitempty"`
	State        WorkflowState     `json:"state"`
	CurrentAgent int               `json:"current_agent"`
	FailReason   string            `json:"fail_reason,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// AppendLog 追加一条会话日志
func (s *ThesisSession) AppendLog(level, message string) {
	s.Logs = append(s.Logs, SessionLog{
		Time:    time.Now(),
		Level:   level,
		Message: message,
	})
}

// Clone 深拷贝会话
// 交给调用方的副本与后台生成轮互不别名
func (s *ThesisSession) Clone() *ThesisSession {
	cloned := *s
	cloned.Agents = append([]AgentDescriptor(nil), s.Agents...)
	cloned.Outline = CloneSections(s.Outline)
	cloned.Logs = append([]SessionLog(nil), s.Logs...)
	if s.History != nil {
		cloned.History = make(map[string]string, len(s.History))
		for k, v := range s.History {
			cloned.History[k] = v
		}
	}
	return &cloned
}

// SessionMeta 会话列表用的轻量视图
type SessionMeta struct {
	ID        string        `json:"id"`
	Topic     string        `json:"topic"`
	State     WorkflowState `json:"state"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}
