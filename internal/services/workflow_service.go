// internal/services/workflow_service.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/darksider-9/ThesisForge-AI/internal/errors"
	"github.com/darksider-9/ThesisForge-AI/internal/models"
	"github.com/darksider-9/ThesisForge-AI/internal/storage"
	"github.com/darksider-9/ThesisForge-AI/internal/utils"
)

const (
	sessionsDir     = "sessions"
	sessionFileName = "session.json"
)

// allowedTransitions 工作流状态机的合法流转
// 大纲和每个代理的生成轮之后都停在审阅检查点
var allowedTransitions = map[models.WorkflowState]map[models.WorkflowState]bool{
	models.StateIdle: {
		models.StateBuildingOutline: true,
	},
	models.StateBuildingOutline: {
		models.StatePausedForReview: true,
		models.StateFailed:          true,
	},
	models.StatePausedForReview: {
		models.StateRunningAgent: true,
		models.StateRepairing:    true,
		models.StateDone:         true,
		models.StateFailed:       true,
	},
	models.StateRunningAgent: {
		models.StatePausedForReview: true,
		models.StateFailed:          true,
	},
	models.StateRepairing: {
		models.StateDone:   true,
		models.StateFailed: true,
	},
	models.StateFailed: {
		models.StateBuildingOutline: true,
	},
	models.StateDone: {
		models.StateRepairing: true,
	},
}

// WorkflowService 论文生成工作流
// 代理严格串行执行，大纲在每轮变更前深拷贝，
// 失败的一轮不会污染上一份完好状态
type WorkflowService struct {
	storage   *storage.FileStorage
	outline   *OutlineService
	generator *GeneratorService
	repair    *RepairService
	export    *ExportService
	progress  *ProgressService
	logger    *utils.Logger

	mu      sync.Mutex
	running map[string]bool
}

// NewWorkflowService 创建工作流服务
func NewWorkflowService(
	fileStorage *storage.FileStorage,
	outlineService *OutlineService,
	generatorService *GeneratorService,
	repairService *RepairService,
	exportService *ExportService,
	progressService *ProgressService,
) *WorkflowService {
	return &WorkflowService{
		storage:   fileStorage,
		outline:   outlineService,
		generator: generatorService,
		repair:    repairService,
		export:    exportService,
		progress:  progressService,
		logger:    utils.GetLogger(),
		running:   make(map[string]bool),
	}
}

// transition 执行一次状态流转，非法流转返回冲突错误
func (s *WorkflowService) transition(session *models.ThesisSession, to models.WorkflowState) error {
	from := session.State
	if !allowedTransitions[from][to] {
		return apperrors.NewConflictError(
			fmt.Sprintf("非法状态流转: %s -> %s", from, to), nil)
	}
	session.State = to
	session.UpdatedAt = time.Now()
	return nil
}

// ---- 会话管理 ----

// CreateSession 创建新会话，默认代理流水线处于Idle状态
func (s *WorkflowService) CreateSession(input models.ThesisInput) (*models.ThesisSession, error) {
	if strings.TrimSpace(input.Topic) == "" {
		return nil, apperrors.NewValidationError("研究主题不能为空", nil)
	}

	now := time.Now()
	session := &models.ThesisSession{
		Version:      models.SessionVersion,
		ID:           uuid.NewString(),
		Input:        input,
		Agents:       DefaultAgents(),
		History:      make(map[string]string),
		State:        models.StateIdle,
		CurrentAgent: 0,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	session.AppendLog("info", "会话已创建: "+input.Topic)

	if err := s.saveSession(session); err != nil {
		return nil, err
	}

	return session, nil
}

// GetSession 加载会话，版本不兼容直接拒绝
func (s *WorkflowService) GetSession(id string) (*models.ThesisSession, error) {
	if id == "" {
		return nil, apperrors.NewValidationError("会话ID不能为空", nil)
	}

	var session models.ThesisSession
	if err := s.storage.LoadJSONFile(sessionsDir+"/"+id, sessionFileName, &session); err != nil {
		return nil, apperrors.NewNotFoundError("会话不存在: "+id, err)
	}

	if err := validateSessionVersion(&session); err != nil {
		return nil, err
	}

	// 手工编辑过的文档可能缺history字段
	if session.History == nil {
		session.History = make(map[string]string)
	}

	return &session, nil
}

// ListSessions 列出全部会话的轻量视图，按更新时间倒序
func (s *WorkflowService) ListSessions() ([]models.SessionMeta, error) {
	if !s.storage.DirExists(sessionsDir) {
		return []models.SessionMeta{}, nil
	}

	ids, err := s.storage.ListDirs(sessionsDir)
	if err != nil {
		return nil, apperrors.NewProcessingError("读取会话目录失败", err)
	}

	metas := make([]models.SessionMeta, 0, len(ids))
	for _, id := range ids {
		session, err := s.GetSession(id)
		if err != nil {
			// 损坏或版本不兼容的会话跳过，不拖垮整个列表
			s.logger.Warn("跳过无法加载的会话", map[string]interface{}{
				"session_id": id,
				"error":      err.Error(),
			})
			continue
		}
		metas = append(metas, models.SessionMeta{
			ID:        session.ID,
			Topic:     session.Input.Topic,
			State:     session.State,
			CreatedAt: session.CreatedAt,
			UpdatedAt: session.UpdatedAt,
		})
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
	})

	return metas, nil
}

// DeleteSession 删除会话及其导出文件
func (s *WorkflowService) DeleteSession(id string) error {
	s.mu.Lock()
	if s.running[id] {
		s.mu.Unlock()
		return apperrors.NewConflictError("会话有正在运行的生成任务，无法删除", nil)
	}
	s.mu.Unlock()

	if err := s.storage.DeleteDir(sessionsDir + "/" + id); err != nil {
		return apperrors.NewNotFoundError("会话不存在: "+id, err)
	}

	s.progress.RemoveTracker(id)
	return nil
}

// ImportSession 从上传的JSON文档恢复会话
func (s *WorkflowService) ImportSession(data []byte) (*models.ThesisSession, error) {
	var session models.ThesisSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, apperrors.NewValidationError("会话文档不是合法的JSON", err)
	}

	if err := validateSessionVersion(&session); err != nil {
		return nil, err
	}

	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.History == nil {
		session.History = make(map[string]string)
	}
	session.AppendLog("info", "会话已从上传文档恢复")

	if err := s.saveSession(&session); err != nil {
		return nil, err
	}

	return &session, nil
}

// ExportSessionDocument 把会话序列化为可下载的JSON文档
func (s *WorkflowService) ExportSessionDocument(id string) ([]byte, error) {
	session, err := s.GetSession(id)
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return nil, apperrors.NewProcessingError("序列化会话失败", err)
	}
	return data, nil
}

// validateSessionVersion 版本不一致直接拒绝，不做猜测式兼容
func validateSessionVersion(session *models.ThesisSession) error {
	if session.Version != models.SessionVersion {
		return apperrors.NewValidationError(
			fmt.Sprintf("会话文档版本不兼容: 需要%d，实际%d",
				models.SessionVersion, session.Version), nil)
	}
	return nil
}

func (s *WorkflowService) saveSession(session *models.ThesisSession) error {
	session.UpdatedAt = time.Now()
	if err := s.storage.SaveJSONFile(sessionsDir+"/"+session.ID, sessionFileName, session); err != nil {
		return apperrors.NewProcessingError("保存会话失败", err)
	}
	return nil
}

// saveSessionBestEffort 后台生成过程中的落盘失败只记警告，不中断生成
func (s *WorkflowService) saveSessionBestEffort(session *models.ThesisSession) {
	if err := s.saveSession(session); err != nil {
		s.logger.Warn("会话落盘失败（尽力而为）", map[string]interface{}{
			"session_id": session.ID,
			"error":      err.Error(),
		})
	}
}

// ---- 工作流执行 ----

// StartRun 启动工作流：后台构建大纲，完成后停在审阅检查点
func (s *WorkflowService) StartRun(id string) (*models.ThesisSession, error) {
	session, err := s.GetSession(id)
	if err != nil {
		return nil, err
	}

	if err := s.acquireRun(id); err != nil {
		return nil, err
	}

	if err := s.transition(session, models.StateBuildingOutline); err != nil {
		s.releaseRun(id)
		return nil, err
	}

	session.FailReason = ""
	setAgentStatus(session, 0, models.AgentWorking)
	if err := s.saveSession(session); err != nil {
		s.releaseRun(id)
		return nil, err
	}

	// 返回快照：后台生成轮还在改原对象
	snapshot := session.Clone()
	go s.runOutlineStage(session)

	return snapshot, nil
}

// Resume 审阅通过，推进到下一个代理的生成轮
func (s *WorkflowService) Resume(id string) (*models.ThesisSession, error) {
	session, err := s.GetSession(id)
	if err != nil {
		return nil, err
	}

	if session.State != models.StatePausedForReview {
		return nil, apperrors.NewConflictError("当前状态不在审阅检查点，无法继续", nil)
	}

	if session.CurrentAgent >= len(session.Agents) {
		// 所有代理都已完成
		if err := s.transition(session, models.StateDone); err != nil {
			return nil, err
		}
		if err := s.saveSession(session); err != nil {
			return nil, err
		}
		return session, nil
	}

	if err := s.acquireRun(id); err != nil {
		return nil, err
	}

	agent := session.Agents[session.CurrentAgent]
	next := models.StateRunningAgent
	if agent.ID == "reviewer" {
		next = models.StateRepairing
	}

	if err := s.transition(session, next); err != nil {
		s.releaseRun(id)
		return nil, err
	}

	setAgentStatus(session, session.CurrentAgent, models.AgentWorking)
	if err := s.saveSession(session); err != nil {
		s.releaseRun(id)
		return nil, err
	}

	snapshot := session.Clone()
	go s.runAgentStage(session)

	return snapshot, nil
}

// StartRepair 对已完成的会话重跑一次终审修补轮
// 子批次解析失败留下的空洞由操作者手动触发补齐
func (s *WorkflowService) StartRepair(id string) (*models.ThesisSession, error) {
	session, err := s.GetSession(id)
	if err != nil {
		return nil, err
	}

	if len(session.Agents) == 0 {
		return nil, apperrors.NewValidationError("会话没有代理流水线，无法修补", nil)
	}

	if err := s.acquireRun(id); err != nil {
		return nil, err
	}

	if err := s.transition(session, models.StateRepairing); err != nil {
		s.releaseRun(id)
		return nil, err
	}

	reviewerIdx := len(session.Agents) - 1
	for i, agent := range session.Agents {
		if agent.ID == "reviewer" {
			reviewerIdx = i
		}
	}
	session.CurrentAgent = reviewerIdx
	setAgentStatus(session, reviewerIdx, models.AgentWorking)
	if err := s.saveSession(session); err != nil {
		s.releaseRun(id)
		return nil, err
	}

	snapshot := session.Clone()
	go s.runAgentStage(session)

	return snapshot, nil
}

func (s *WorkflowService) acquireRun(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running[id] {
		return apperrors.NewConflictError("会话已有正在运行的生成任务", nil)
	}
	s.running[id] = true
	return nil
}

func (s *WorkflowService) releaseRun(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
}

func (s *WorkflowService) freshTracker(id string) *ProgressTracker {
	s.progress.RemoveTracker(id)
	return s.progress.CreateTracker(id)
}

// runOutlineStage 大纲构建轮
func (s *WorkflowService) runOutlineStage(session *models.ThesisSession) {
	defer s.releaseRun(session.ID)

	tracker := s.freshTracker(session.ID)
	tracker.UpdateProgress(5, string(models.StateBuildingOutline), "正在构建论文大纲...")

	ctx := context.Background()

	outline, err := s.outline.BuildOutline(ctx, session.Input)
	if err != nil {
		setAgentStatus(session, 0, models.AgentError)
		s.failSession(session, tracker, err)
		return
	}

	tracker.UpdateProgress(80, string(models.StateBuildingOutline), "大纲已生成，正在保存...")

	session.Outline = outline
	setAgentStatus(session, 0, models.AgentCompleted)
	session.History[session.Agents[0].ID] = s.export.BuildMarkdown(session)
	session.AppendLog("info", fmt.Sprintf("大纲构建完成，共%d个小节", len(outline)))
	session.CurrentAgent = 1
	setAgentStatus(session, 1, models.AgentWaiting)

	if err := s.transition(session, models.StatePausedForReview); err != nil {
		s.failSession(session, tracker, err)
		return
	}

	s.saveSessionBestEffort(session)
	tracker.Complete("大纲已生成，等待审阅")
}

// runAgentStage 一个代理的生成轮（含终审修补轮）
func (s *WorkflowService) runAgentStage(session *models.ThesisSession) {
	defer s.releaseRun(session.ID)

	tracker := s.freshTracker(session.ID)

	agentIdx := session.CurrentAgent
	agent := session.Agents[agentIdx]
	repairing := session.State == models.StateRepairing

	ctx := context.Background()
	docContext := buildThesisContext(session.Input)

	// 变更前深拷贝，失败的一轮不会污染上一份完好状态
	working := models.CloneSections(session.Outline)

	var err error
	if repairing {
		tracker.UpdateProgress(10, string(models.StateRepairing), "正在扫描缺失章节...")
		err = s.repair.RunFinalPass(ctx, working, docContext)
	} else {
		chapters := ChapterGroups(working)
		for i, ch := range chapters {
			progress := 5 + 90*i/maxInt(len(chapters), 1)
			tracker.UpdateProgress(progress, string(models.StateRunningAgent),
				fmt.Sprintf("%s 正在处理: %s", agent.Name, plainTitle(ch.Title)))

			// 章与章之间严格串行，同一时刻只有一个网关调用在途
			if err = s.generator.FillChapter(ctx, working, ch, agent, docContext); err != nil {
				break
			}

			filled, total := ChapterSummary(working, ch, agent.Mode)
			tracker.UpdateProgress(progress, string(models.StateRunningAgent),
				fmt.Sprintf("%s 完成: %s（%d/%d 小节）", agent.Name, plainTitle(ch.Title), filled, total))
		}
	}

	if err != nil {
		setAgentStatus(session, agentIdx, models.AgentError)
		s.failSession(session, tracker, err)
		return
	}

	session.Outline = working
	setAgentStatus(session, agentIdx, models.AgentCompleted)
	session.History[agent.ID] = s.export.BuildMarkdown(session)
	session.AppendLog("info", agent.Name+" 已完成生成轮")
	session.CurrentAgent = agentIdx + 1

	if repairing || session.CurrentAgent >= len(session.Agents) {
		if err := s.transition(session, models.StateDone); err != nil {
			s.failSession(session, tracker, err)
			return
		}
		s.saveSessionBestEffort(session)
		tracker.Complete("论文生成完成")
		return
	}

	setAgentStatus(session, session.CurrentAgent, models.AgentWaiting)
	if err := s.transition(session, models.StatePausedForReview); err != nil {
		s.failSession(session, tracker, err)
		return
	}

	s.saveSessionBestEffort(session)
	tracker.Complete(agent.Name + " 已完成，等待审阅")
}

// failSession 任何网关/大纲错误都中止当前步骤并原样呈现给操作者
func (s *WorkflowService) failSession(session *models.ThesisSession, tracker *ProgressTracker, err error) {
	session.State = models.StateFailed
	session.FailReason = err.Error()
	session.UpdatedAt = time.Now()
	session.AppendLog("error", err.Error())

	s.saveSessionBestEffort(session)
	tracker.Fail(err.Error())
}

func setAgentStatus(session *models.ThesisSession, idx int, status models.AgentStatus) {
	if idx >= 0 && idx < len(session.Agents) {
		session.Agents[idx].Status = status
	}
}

// ---- 检查点审阅 ----

// RegenerateSections 审阅检查点上的定点重生成
// agentID 指定生效的提示模板；结构代理返回替换标题
func (s *WorkflowService) RegenerateSections(ctx context.Context, id, agentID string, sectionIDs []string, instruction string) (*models.ThesisSession, error) {
	session, err := s.GetSession(id)
	if err != nil {
		return nil, err
	}

	if session.State != models.StatePausedForReview {
		return nil, apperrors.NewConflictError("只能在审阅检查点重新生成小节", nil)
	}
	if len(sectionIDs) == 0 {
		return nil, apperrors.NewValidationError("未指定要重新生成的小节", nil)
	}

	agent, found := findAgent(session.Agents, agentID)
	if !found {
		return nil, apperrors.NewNotFoundError("代理不存在: "+agentID, nil)
	}

	if err := s.acquireRun(id); err != nil {
		return nil, err
	}
	defer s.releaseRun(id)

	working := models.CloneSections(session.Outline)
	docContext := buildThesisContext(session.Input)

	if err := s.generator.RegenerateSections(ctx, working, sectionIDs, agent, docContext, instruction); err != nil {
		return nil, err
	}

	session.Outline = working
	session.History[agent.ID] = s.export.BuildMarkdown(session)
	session.AppendLog("info", fmt.Sprintf("%s 重新生成了%d个小节", agent.Name, len(sectionIDs)))

	if err := s.saveSession(session); err != nil {
		return nil, err
	}

	return session, nil
}

// DeleteSections 审阅检查点上删除小节
func (s *WorkflowService) DeleteSections(id string, sectionIDs []string) (*models.ThesisSession, error) {
	session, err := s.GetSession(id)
	if err != nil {
		return nil, err
	}

	if session.State != models.StatePausedForReview {
		return nil, apperrors.NewConflictError("只能在审阅检查点删除小节", nil)
	}

	idSet := make(map[string]bool, len(sectionIDs))
	for _, sid := range sectionIDs {
		idSet[sid] = true
	}

	kept := make([]models.Section, 0, len(session.Outline))
	for _, sec := range session.Outline {
		if !idSet[sec.ID] {
			kept = append(kept, sec)
		}
	}

	removed := len(session.Outline) - len(kept)
	if removed == 0 {
		return nil, apperrors.NewNotFoundError("指定的小节不存在", nil)
	}

	session.Outline = kept
	session.AppendLog("info", fmt.Sprintf("删除了%d个小节", removed))

	if err := s.saveSession(session); err != nil {
		return nil, err
	}

	return session, nil
}

func findAgent(agents []models.AgentDescriptor, id string) (models.AgentDescriptor, bool) {
	for _, a := range agents {
		if a.ID == id {
			return a, true
		}
	}
	return models.AgentDescriptor{}, false
}
