// internal/services/workflow_service_test.go
package services

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	apperrors "github.com/darksider-9/ThesisForge-AI/internal/errors"
	"github.com/darksider-9/ThesisForge-AI/internal/llm"
	"github.com/darksider-9/ThesisForge-AI/internal/models"
	"github.com/darksider-9/ThesisForge-AI/internal/storage"
)

func newTestWorkflow(t *testing.T, respond func(call int, req llm.CompletionRequest) (string, error)) *WorkflowService {
	t.Helper()

	fileStorage, err := storage.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("创建文件存储失败: %v", err)
	}

	llmService, _ := newFakeLLM(respond)
	generator := NewGeneratorService(llmService)
	exporter := NewExportService(fileStorage)

	return NewWorkflowService(
		fileStorage,
		NewOutlineService(llmService),
		generator,
		NewRepairService(generator),
		exporter,
		NewProgressService(),
	)
}

// waitForState 轮询会话状态，后台生成轮很快
func waitForState(t *testing.T, wf *WorkflowService, id string, want models.WorkflowState) *models.ThesisSession {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		session, err := wf.GetSession(id)
		if err != nil {
			t.Fatalf("加载会话失败: %v", err)
		}
		if session.State == want {
			return session
		}
		if session.State == models.StateFailed && want != models.StateFailed {
			t.Fatalf("会话意外失败: %s", session.FailReason)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("等待状态 %s 超时", want)
	return nil
}

// importPausedSession 构造一个停在审阅检查点的会话
func importPausedSession(t *testing.T, wf *WorkflowService, outline []models.Section, currentAgent int) *models.ThesisSession {
	t.Helper()

	doc := models.ThesisSession{
		Version:      models.SessionVersion,
		Input:        models.ThesisInput{Topic: "测试选题"},
		Agents:       DefaultAgents(),
		Outline:      outline,
		History:      map[string]string{},
		State:        models.StatePausedForReview,
		CurrentAgent: currentAgent,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("序列化会话失败: %v", err)
	}

	session, err := wf.ImportSession(data)
	if err != nil {
		t.Fatalf("导入会话失败: %v", err)
	}
	return session
}

func TestCreateAndGetSession(t *testing.T) {
	wf := newTestWorkflow(t, func(int, llm.CompletionRequest) (string, error) {
		return "{}", nil
	})

	session, err := wf.CreateSession(models.ThesisInput{Topic: "测试选题"})
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}

	if session.Version != models.SessionVersion {
		t.Errorf("新会话版本应为%d，实际%d", models.SessionVersion, session.Version)
	}
	if session.State != models.StateIdle {
		t.Errorf("新会话应处于idle状态，实际 %s", session.State)
	}
	if len(session.Agents) != 4 {
		t.Errorf("默认流水线应有4个代理，实际%d", len(session.Agents))
	}

	loaded, err := wf.GetSession(session.ID)
	if err != nil {
		t.Fatalf("加载会话失败: %v", err)
	}
	if loaded.Input.Topic != "测试选题" {
		t.Errorf("选题未持久化: %q", loaded.Input.Topic)
	}
}

func TestCreateSessionEmptyTopic(t *testing.T) {
	wf := newTestWorkflow(t, func(int, llm.CompletionRequest) (string, error) {
		return "{}", nil
	})

	_, err := wf.CreateSession(models.ThesisInput{})
	if !apperrors.IsValidationError(err) {
		t.Errorf("空主题应返回校验错误，实际: %v", err)
	}
}

func TestImportSessionRejectsVersionMismatch(t *testing.T) {
	wf := newTestWorkflow(t, func(int, llm.CompletionRequest) (string, error) {
		return "{}", nil
	})

	doc := models.ThesisSession{
		Version: models.SessionVersion + 1,
		Input:   models.ThesisInput{Topic: "旧版本会话"},
	}
	data, _ := json.Marshal(doc)

	_, err := wf.ImportSession(data)
	if !apperrors.IsValidationError(err) {
		t.Errorf("版本不一致应被拒绝，实际: %v", err)
	}
}

func TestResumeRequiresReviewCheckpoint(t *testing.T) {
	wf := newTestWorkflow(t, func(int, llm.CompletionRequest) (string, error) {
		return "{}", nil
	})

	session, err := wf.CreateSession(models.ThesisInput{Topic: "测试选题"})
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}

	_, err = wf.Resume(session.ID)
	if !apperrors.IsConflictError(err) {
		t.Errorf("idle状态下Resume应返回冲突错误，实际: %v", err)
	}
}

func TestStartRunBuildsOutlineAndPauses(t *testing.T) {
	wf := newTestWorkflow(t, func(_ int, req llm.CompletionRequest) (string, error) {
		return `{"sections":[
			{"id":"c1","title":"# 第一章 绪论","level":1},
			{"id":"s1","title":"## 1.1 研究背景","level":2}
		]}`, nil
	})

	session, err := wf.CreateSession(models.ThesisInput{Topic: "测试选题"})
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}

	if _, err := wf.StartRun(session.ID); err != nil {
		t.Fatalf("启动失败: %v", err)
	}

	paused := waitForState(t, wf, session.ID, models.StatePausedForReview)

	if len(paused.Outline) != 2 {
		t.Fatalf("大纲应有2个小节，实际%d", len(paused.Outline))
	}
	if paused.CurrentAgent != 1 {
		t.Errorf("大纲完成后应指向下一个代理，实际%d", paused.CurrentAgent)
	}
	if paused.Agents[0].Status != models.AgentCompleted {
		t.Errorf("大纲代理状态应为completed，实际 %s", paused.Agents[0].Status)
	}
	if paused.History["structure"] == "" {
		t.Error("大纲轮应保存markdown快照")
	}
}

func TestSessionHistorySurvivesReload(t *testing.T) {
	// 新建会话落盘再加载，history必须是可写的map，
	// 否则第一次启动就会在大纲轮写快照时崩溃
	wf := newTestWorkflow(t, func(int, llm.CompletionRequest) (string, error) {
		return "{}", nil
	})

	session, err := wf.CreateSession(models.ThesisInput{Topic: "测试选题"})
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}

	loaded, err := wf.GetSession(session.ID)
	if err != nil {
		t.Fatalf("加载会话失败: %v", err)
	}
	if loaded.History == nil {
		t.Fatal("重新加载的会话history不应为nil")
	}
	loaded.History["structure"] = "快照"
}

func TestStartRunReturnsIsolatedSnapshot(t *testing.T) {
	// 返回值是快照：后台大纲轮的变更不应出现在已返回的对象上
	wf := newTestWorkflow(t, func(int, llm.CompletionRequest) (string, error) {
		return `{"sections":[{"id":"c1","title":"# 第一章","level":1}]}`, nil
	})

	session, err := wf.CreateSession(models.ThesisInput{Topic: "测试选题"})
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}

	returned, err := wf.StartRun(session.ID)
	if err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	if returned.State != models.StateBuildingOutline {
		t.Fatalf("启动后应返回building_outline状态，实际 %s", returned.State)
	}

	waitForState(t, wf, session.ID, models.StatePausedForReview)

	if returned.State != models.StateBuildingOutline {
		t.Errorf("后台轮不应改动已返回的快照: %s", returned.State)
	}
	if len(returned.Outline) != 0 {
		t.Errorf("快照的大纲不应被后台轮填充: %d个小节", len(returned.Outline))
	}
}

func TestStartRunFailsOnStructureError(t *testing.T) {
	wf := newTestWorkflow(t, func(int, llm.CompletionRequest) (string, error) {
		return "完全不是JSON", nil
	})

	session, err := wf.CreateSession(models.ThesisInput{Topic: "测试选题"})
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}

	if _, err := wf.StartRun(session.ID); err != nil {
		t.Fatalf("启动失败: %v", err)
	}

	failed := waitForState(t, wf, session.ID, models.StateFailed)
	if failed.FailReason == "" {
		t.Error("失败会话应记录失败原因")
	}
}

func TestResumeRunsWriterAndPausesAgain(t *testing.T) {
	wf := newTestWorkflow(t, func(_ int, req llm.CompletionRequest) (string, error) {
		result := make(map[string]string)
		for _, id := range []string{"c1", "s1"} {
			if strings.Contains(req.Prompt, "id: "+id+" |") {
				result[id] = "生成的正文"
			}
		}
		data, _ := json.Marshal(result)
		return string(data), nil
	})

	outline := []models.Section{
		{ID: "c1", Title: "# 第一章 绪论", Level: 1},
		{ID: "s1", Title: "## 1.1 研究背景", Level: 2},
	}
	session := importPausedSession(t, wf, outline, 1)

	if _, err := wf.Resume(session.ID); err != nil {
		t.Fatalf("推进失败: %v", err)
	}

	paused := waitForState(t, wf, session.ID, models.StatePausedForReview)

	if paused.CurrentAgent != 2 {
		t.Errorf("写作轮完成后应指向图表代理，实际%d", paused.CurrentAgent)
	}
	for _, sec := range paused.Outline {
		if sec.Content != "生成的正文" {
			t.Errorf("小节 %s 正文未写入: %q", sec.ID, sec.Content)
		}
	}
	if paused.History["writer"] == "" {
		t.Error("写作轮应保存markdown快照")
	}
}

func TestRegenerateFailureLeavesOutlineIntact(t *testing.T) {
	wf := newTestWorkflow(t, func(int, llm.CompletionRequest) (string, error) {
		return "", apperrors.NewNetworkError("网络不可达", nil)
	})

	outline := []models.Section{
		{ID: "c1", Title: "# 第一章 绪论", Level: 1, Content: "原有正文"},
	}
	session := importPausedSession(t, wf, outline, 1)

	_, err := wf.RegenerateSections(context.Background(), session.ID, "writer", []string{"c1"}, "")
	if !apperrors.IsNetworkError(err) {
		t.Fatalf("网关错误应原样向上传播，实际: %v", err)
	}

	reloaded, err := wf.GetSession(session.ID)
	if err != nil {
		t.Fatalf("加载会话失败: %v", err)
	}
	if reloaded.Outline[0].Content != "原有正文" {
		t.Errorf("失败的重生成不应改动大纲: %q", reloaded.Outline[0].Content)
	}
}

func TestRegenerateSectionsAtCheckpoint(t *testing.T) {
	wf := newTestWorkflow(t, func(int, llm.CompletionRequest) (string, error) {
		return `{"c1": "重写后的正文"}`, nil
	})

	outline := []models.Section{
		{ID: "c1", Title: "# 第一章 绪论", Level: 1, Content: "原有正文"},
		{ID: "s1", Title: "## 1.1 背景", Level: 2, Content: "保持不变"},
	}
	session := importPausedSession(t, wf, outline, 2)

	updated, err := wf.RegenerateSections(context.Background(), session.ID, "writer", []string{"c1"}, "更详细")
	if err != nil {
		t.Fatalf("重新生成失败: %v", err)
	}

	if updated.Outline[0].Content != "重写后的正文" {
		t.Errorf("指定小节应被重写: %q", updated.Outline[0].Content)
	}
	if updated.Outline[1].Content != "保持不变" {
		t.Errorf("未指定小节不应被改动: %q", updated.Outline[1].Content)
	}
}

func TestDeleteSectionsAtCheckpoint(t *testing.T) {
	wf := newTestWorkflow(t, func(int, llm.CompletionRequest) (string, error) {
		return "{}", nil
	})

	outline := []models.Section{
		{ID: "c1", Title: "# 第一章", Level: 1},
		{ID: "s1", Title: "## 1.1", Level: 2},
	}
	session := importPausedSession(t, wf, outline, 1)

	updated, err := wf.DeleteSections(session.ID, []string{"s1"})
	if err != nil {
		t.Fatalf("删除失败: %v", err)
	}
	if len(updated.Outline) != 1 || updated.Outline[0].ID != "c1" {
		t.Errorf("删除结果不正确: %+v", updated.Outline)
	}

	_, err = wf.DeleteSections(session.ID, []string{"ghost"})
	if !apperrors.IsNotFoundError(err) {
		t.Errorf("删除不存在的小节应返回not_found，实际: %v", err)
	}
}

func TestDeleteSectionsRequiresCheckpoint(t *testing.T) {
	wf := newTestWorkflow(t, func(int, llm.CompletionRequest) (string, error) {
		return "{}", nil
	})

	session, err := wf.CreateSession(models.ThesisInput{Topic: "测试选题"})
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}

	_, err = wf.DeleteSections(session.ID, []string{"x"})
	if !apperrors.IsConflictError(err) {
		t.Errorf("非检查点状态删除小节应返回冲突错误，实际: %v", err)
	}
}

func TestReviewerRunFinishesSession(t *testing.T) {
	wf := newTestWorkflow(t, func(_ int, req llm.CompletionRequest) (string, error) {
		return `{"c1": "补写内容"}`, nil
	})

	outline := []models.Section{
		{ID: "c1", Title: "# 第一章 绪论", Level: 1, Content: "正文", Visuals: "| 表 |"},
	}
	// 终审修补员是流水线最后一个代理
	session := importPausedSession(t, wf, outline, 3)

	if _, err := wf.Resume(session.ID); err != nil {
		t.Fatalf("推进失败: %v", err)
	}

	done := waitForState(t, wf, session.ID, models.StateDone)
	if done.CurrentAgent != 4 {
		t.Errorf("完成后步骤指针应越过所有代理，实际%d", done.CurrentAgent)
	}
}

func TestRepairAfterDoneFillsGaps(t *testing.T) {
	// 终审跳过的子批次留下空洞，Done状态下可以手动重跑修补轮
	wf := newTestWorkflow(t, func(_ int, req llm.CompletionRequest) (string, error) {
		result := make(map[string]string)
		for _, id := range []string{"c2", "s2"} {
			if strings.Contains(req.Prompt, "id: "+id+" |") {
				result[id] = "补写的内容"
			}
		}
		data, _ := json.Marshal(result)
		return string(data), nil
	})

	doc := models.ThesisSession{
		Version: models.SessionVersion,
		Input:   models.ThesisInput{Topic: "测试选题"},
		Agents:  DefaultAgents(),
		Outline: []models.Section{
			{ID: "c1", Title: "# 第一章 绪论", Level: 1, Content: "原有正文", Visuals: "| 表 |"},
			{ID: "c2", Title: "# 第二章 相关工作", Level: 1},
			{ID: "s2", Title: "## 2.1 已有方法", Level: 2},
		},
		History:      map[string]string{},
		State:        models.StateDone,
		CurrentAgent: 4,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("序列化会话失败: %v", err)
	}
	session, err := wf.ImportSession(data)
	if err != nil {
		t.Fatalf("导入会话失败: %v", err)
	}

	returned, err := wf.StartRepair(session.ID)
	if err != nil {
		t.Fatalf("启动修补失败: %v", err)
	}
	if returned.State != models.StateRepairing {
		t.Errorf("修补启动后应返回repairing状态，实际 %s", returned.State)
	}

	done := waitForState(t, wf, session.ID, models.StateDone)

	if done.Outline[1].Content != "补写的内容" || done.Outline[2].Content != "补写的内容" {
		t.Errorf("空章应被补写: %q / %q", done.Outline[1].Content, done.Outline[2].Content)
	}
	if done.Outline[0].Content != "原有正文" || done.Outline[0].Visuals != "| 表 |" {
		t.Error("已填充的章不应被改动")
	}
	if done.History["reviewer"] == "" {
		t.Error("修补轮应保存markdown快照")
	}
	if done.CurrentAgent != len(done.Agents) {
		t.Errorf("修补完成后步骤指针应越过所有代理，实际%d", done.CurrentAgent)
	}
}

func TestExportSessionDocumentRoundtrip(t *testing.T) {
	wf := newTestWorkflow(t, func(int, llm.CompletionRequest) (string, error) {
		return "{}", nil
	})

	session, err := wf.CreateSession(models.ThesisInput{Topic: "测试选题"})
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}

	data, err := wf.ExportSessionDocument(session.ID)
	if err != nil {
		t.Fatalf("导出会话文档失败: %v", err)
	}

	imported, err := wf.ImportSession(data)
	if err != nil {
		t.Fatalf("重新导入失败: %v", err)
	}
	if imported.Input.Topic != "测试选题" {
		t.Errorf("往返后选题丢失: %q", imported.Input.Topic)
	}
}

func TestListSessionsSortedByUpdate(t *testing.T) {
	wf := newTestWorkflow(t, func(int, llm.CompletionRequest) (string, error) {
		return "{}", nil
	})

	first, err := wf.CreateSession(models.ThesisInput{Topic: "第一个"})
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	second, err := wf.CreateSession(models.ThesisInput{Topic: "第二个"})
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}

	metas, err := wf.ListSessions()
	if err != nil {
		t.Fatalf("列出会话失败: %v", err)
	}
	if len(metas) != 2 {
		t.Fatalf("期望2个会话，实际%d", len(metas))
	}
	if metas[0].ID != second.ID || metas[1].ID != first.ID {
		t.Error("会话列表应按更新时间倒序")
	}
}

func TestDeleteSession(t *testing.T) {
	wf := newTestWorkflow(t, func(int, llm.CompletionRequest) (string, error) {
		return "{}", nil
	})

	session, err := wf.CreateSession(models.ThesisInput{Topic: "测试选题"})
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}

	if err := wf.DeleteSession(session.ID); err != nil {
		t.Fatalf("删除会话失败: %v", err)
	}

	if _, err := wf.GetSession(session.ID); !apperrors.IsNotFoundError(err) {
		t.Errorf("删除后加载应返回not_found，实际: %v", err)
	}
}
