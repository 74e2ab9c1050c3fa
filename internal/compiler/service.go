package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ipkforge/internal/compiler/toolchain"
	"ipkforge/pkg/model"
	"ipkforge/pkg/store"
)

// Service 编译节点: 去重入队、按槽位并发编译、查询产物
type Service struct {
	artifacts *ArtifactStore
	names     store.NameIndex
	pipeline  *Pipeline
	queue     *JobQueue
	counter   *ActiveCounter
	logger    *slog.Logger

	mu sync.Mutex
	// 排队中或编译中的任务，产物落盘后才会移除
	inflight map[string]*model.BuildJob
}

func NewService(
	tc *toolchain.Toolchain,
	artifacts *ArtifactStore,
	names store.NameIndex,
	workerMax int,
	logger *slog.Logger,
) *Service {
	return &Service{
		artifacts: artifacts,
		names:     names,
		pipeline:  NewPipeline(tc, artifacts),
		queue:     NewJobQueue(),
		counter:   NewActiveCounter(workerMax),
		logger:    logger.With("component", "compiler"),
		inflight:  make(map[string]*model.BuildJob),
	}
}

// Upload 保存源文件并入队，返回内容哈希
// 已有产物或同一哈希正在处理时不会重复入队
func (s *Service) Upload(ctx context.Context, originalName string, data []byte) (string, error) {
	hash := ContentHash(data)
	name := moduleFileName(originalName)

	s.mu.Lock()
	if _, ok := s.inflight[hash]; ok || s.artifacts.HasArtifact(hash) {
		s.mu.Unlock()
		s.logger.Debug("upload deduplicated", "hash", hash, "name", name)
		return hash, nil
	}
	job := &model.BuildJob{
		ContentHash:  hash,
		OriginalName: name,
		State:        model.JobUploaded,
	}
	s.inflight[hash] = job
	s.mu.Unlock()

	path, err := s.artifacts.SaveSource(hash, name, data)
	if err == nil {
		err = s.names.PutName(ctx, hash, name)
	}
	if err != nil {
		s.mu.Lock()
		delete(s.inflight, hash)
		s.mu.Unlock()
		return "", fmt.Errorf("save upload %s: %w", name, err)
	}

	s.mu.Lock()
	job.UploadedPath = path
	job.State = model.JobQueued
	s.mu.Unlock()

	s.queue.Push(job)
	s.logger.Info("job queued", "hash", hash, "name", name, "queued", s.queue.Len())
	return hash, nil
}

// Status 产物存在即 Done，仍在处理中为 Pending，否则 Unknown
func (s *Service) Status(hash string) model.JobStatus {
	if s.artifacts.HasArtifact(hash) {
		return model.StatusDone
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[hash]; ok {
		return model.StatusPending
	}
	return model.StatusUnknown
}

// Fetch 返回产物路径和下载文件名 <原始文件名去掉后缀>.so
func (s *Service) Fetch(ctx context.Context, hash string) (string, string, error) {
	if !s.artifacts.HasArtifact(hash) {
		return "", "", store.ErrNotFound
	}

	stem := hash
	name, err := s.names.GetName(ctx, hash)
	switch {
	case err == nil:
		stem = strings.TrimSuffix(name, filepath.Ext(name))
	case errors.Is(err, store.ErrNotFound):
	default:
		return "", "", err
	}
	return s.artifacts.ArtifactPath(hash), stem + ".so", nil
}

// Delete 删除源文件、产物和文件名映射，返回是否删除了文件
func (s *Service) Delete(ctx context.Context, hash string) (bool, error) {
	removed, err := s.artifacts.Remove(hash)
	if err != nil {
		return removed, err
	}
	if err := s.names.DeleteName(ctx, hash); err != nil && !errors.Is(err, store.ErrNotFound) {
		return removed, err
	}
	if removed {
		s.logger.Info("artifact deleted", "hash", hash)
	}
	return removed, nil
}

// Busy 正在执行的编译数达到上限
func (s *Service) Busy() bool {
	return s.counter.Busy()
}

func (s *Service) Count() int {
	return s.counter.Active()
}

// Queued 排队等待槽位的任务数
func (s *Service) Queued() int {
	return s.queue.Len()
}

func (s *Service) Capacity() model.Capacity {
	return s.counter.Capacity()
}

// Run 消费队列，直到 ctx 取消
// 每取出一个任务先占一个槽位，槽位满时阻塞，保证并发数不超过上限
func (s *Service) Run(ctx context.Context) {
	s.logger.Info("build loop started", "worker_max", s.counter.Max())

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		job, err := s.queue.Pop(ctx)
		if err != nil {
			return
		}
		if err := s.counter.Acquire(ctx); err != nil {
			s.finish(job, err)
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.counter.Release()
			s.execute(ctx, job)
		}()
	}
}

func (s *Service) execute(ctx context.Context, job *model.BuildJob) {
	s.mu.Lock()
	job.State = model.JobBuilding
	job.StartTime = time.Now()
	s.mu.Unlock()

	s.logger.Info("build started", "hash", job.ContentHash, "name", job.OriginalName, "active", s.counter.Active())

	artifact, err := s.pipeline.Build(ctx, job)
	if err == nil {
		job.ArtifactPath = artifact
	}
	s.finish(job, err)
}

func (s *Service) finish(job *model.BuildJob, err error) {
	s.mu.Lock()
	job.EndTime = time.Now()
	if err != nil {
		job.State = model.JobFailed
		job.Error = err.Error()
	} else {
		job.State = model.JobDone
	}
	delete(s.inflight, job.ContentHash)
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("build failed", "hash", job.ContentHash, "name", job.OriginalName, "error", err)
		return
	}
	s.logger.Info("build finished",
		"hash", job.ContentHash,
		"name", job.OriginalName,
		"duration", job.EndTime.Sub(job.StartTime).Round(time.Millisecond),
	)
}
