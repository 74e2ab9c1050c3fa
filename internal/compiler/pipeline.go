package compiler

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"ipkforge/internal/compiler/toolchain"
	"ipkforge/pkg/model"
)

// Pipeline 翻译 → 本地编译 → 进入 ArtifactStore
type Pipeline struct {
	toolchain *toolchain.Toolchain
	artifacts *ArtifactStore
}

func NewPipeline(tc *toolchain.Toolchain, artifacts *ArtifactStore) *Pipeline {
	return &Pipeline{toolchain: tc, artifacts: artifacts}
}

// Build 在独立的临时目录中执行，任何路径退出都会删除临时目录
// 失败时不会留下任何产物
func (p *Pipeline) Build(ctx context.Context, job *model.BuildJob) (string, error) {
	workDir, err := os.MkdirTemp("", "ipkforge-build-")
	if err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	// 以原始文件名放进工作目录，翻译器根据文件名生成模块名
	name := moduleFileName(job.OriginalName)
	if err := copyFile(job.UploadedPath, filepath.Join(workDir, name)); err != nil {
		return "", fmt.Errorf("stage source: %w", err)
	}

	csource, err := p.toolchain.Translate(ctx, workDir, name)
	if err != nil {
		return "", err
	}

	object, err := p.toolchain.NativeCompile(ctx, workDir, csource)
	if err != nil {
		return "", err
	}

	return p.artifacts.Install(job.ContentHash, filepath.Join(workDir, object))
}

func moduleFileName(original string) string {
	name := filepath.Base(original)
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "module.py"
	}
	return name
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
