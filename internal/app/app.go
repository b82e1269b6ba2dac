// internal/app/app.go
package app

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/darksider-9/ThesisForge-AI/internal/config"
	"github.com/darksider-9/ThesisForge-AI/internal/di"
	"github.com/darksider-9/ThesisForge-AI/internal/services"
	"github.com/darksider-9/ThesisForge-AI/internal/storage"
	"github.com/darksider-9/ThesisForge-AI/internal/utils"
)

// App 应用程序生命周期的单例
type App struct {
	server   *http.Server
	stopChan chan struct{}
}

var (
	instance *App
	appOnce  sync.Mutex
)

// GetApp 获取应用实例（单例）
func GetApp() *App {
	appOnce.Lock()
	defer appOnce.Unlock()

	if instance == nil {
		instance = &App{
			stopChan: make(chan struct{}),
		}
	}
	return instance
}

// InitServices 按依赖顺序初始化所有服务并注册到容器
func InitServices() error {
	container := di.GetContainer()
	cfg := config.GetCurrentConfig()

	// 1. 日志
	if err := initLogger(cfg.LogDir); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}

	// 2. 文件存储
	fileStorage, err := storage.NewFileStorage(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("初始化文件存储失败: %w", err)
	}
	container.Register("storage", fileStorage)

	// 3. 模型网关
	llmService := services.NewLLMService()
	container.Register("llm", llmService)

	// 4. 进度跟踪
	progressService := services.NewProgressService()
	container.Register("progress", progressService)

	// 5. 配置服务（网关订阅配置变更以热切换提供者）
	configService := services.NewConfigService()
	configService.SubscribeToChanges(llmService)
	container.Register("config", configService)

	// 6. 大纲构建器
	outlineService := services.NewOutlineService(llmService)
	container.Register("outline", outlineService)

	// 7. 分章批量生成器
	generatorService := services.NewGeneratorService(llmService)
	container.Register("generator", generatorService)

	// 8. 终审修补
	repairService := services.NewRepairService(generatorService)
	container.Register("repair", repairService)

	// 9. 导出
	exportService := services.NewExportService(fileStorage)
	container.Register("export", exportService)

	// 10. 工作流
	workflowService := services.NewWorkflowService(
		fileStorage,
		outlineService,
		generatorService,
		repairService,
		exportService,
		progressService,
	)
	container.Register("workflow", workflowService)

	utils.GetLogger().Info("服务初始化完成", map[string]interface{}{
		"services": len(container.GetNames()),
	})

	return nil
}

// initLogger 初始化全局日志器
func initLogger(logDir string) error {
	return utils.InitLogger(filepath.Join(logDir, "server.log"))
}

// Run 启动HTTP服务器并阻塞到关闭
func (a *App) Run(handler http.Handler, port string) error {
	a.server = &http.Server{
		Addr:    ":" + port,
		Handler: handler,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-a.stopChan:
		return nil
	}
}

// Shutdown 优雅关闭
func (a *App) Shutdown(ctx context.Context) error {
	defer close(a.stopChan)

	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}
