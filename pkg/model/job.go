package model

import "time"

// JobState 编译任务的状态机: Uploaded → Queued → Building → Done | Failed
type JobState int

const (
	JobUploaded JobState = iota // 源文件已落盘
	JobQueued                   // 已进入队列，等待编译槽位
	JobBuilding                 // 正在编译
	JobDone                     // 产物已进入 ArtifactStore
	JobFailed                   // 编译失败，没有产物
)

func (s JobState) String() string {
	switch s {
	case JobUploaded:
		return "uploaded"
	case JobQueued:
		return "queued"
	case JobBuilding:
		return "building"
	case JobDone:
		return "done"
	case JobFailed:
		return "failed"
	}
	return "unknown"
}

// BuildJob 一个模块的编译任务，以源文件内容哈希为唯一标识
type BuildJob struct {
	ContentHash  string   `json:"content_hash"`  // 源文件字节的哈希，同时也是产物文件名
	OriginalName string   `json:"original_name"` // 上传时的原始文件名 (例如 version.py)
	UploadedPath string   `json:"uploaded_path"` // 源文件在上传目录中的路径
	ArtifactPath string   `json:"artifact_path"` // 产物在输出目录中的路径
	State        JobState `json:"state"`

	Error     string    `json:"error,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// JobStatus 对外暴露的任务查询结果
type JobStatus int

const (
	StatusUnknown JobStatus = iota // 既没有产物，也不在处理中
	StatusPending                  // 排队或编译中
	StatusDone                     // 磁盘上有产物
)
