package model

import "time"

// TaskState 打包任务状态
type TaskState int

const (
	TaskPending TaskState = iota
	TaskRunning
	TaskSuccess
	TaskFailed
)

// PackageTask 一次打包请求，code 由规范化后的请求参数计算而来
type PackageTask struct {
	Code   string            `json:"code"`
	Type   string            `json:"type"`
	Params map[string]string `json:"params"`

	State        TaskState `json:"state"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	FinishedAt   time.Time `json:"finished_at"`
}
