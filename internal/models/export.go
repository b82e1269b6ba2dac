// internal/models/export.go
package models

import (
	"time"
)

// ExportResult 导出结果
type ExportResult struct {
	SessionID   string    `json:"session_id"`
	Title       string    `json:"title"`
	Format      string    `json:"format"`
	Content     string    `json:"content"`
	GeneratedAt time.Time `json:"generated_at"`
	FilePath    string    `json:"file_path"` // 导出文件路径
	FileSize    int64     `json:"file_size"` // 文件大小
	WordCount   int       `json:"word_count"`
}
