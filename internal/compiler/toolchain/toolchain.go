package toolchain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	// ErrCompilerMissing 启动时找不到交叉编译器，进程应当直接退出
	ErrCompilerMissing = errors.New("toolchain: cross compiler missing")

	// ErrNoOutput 工具执行后没有产物或者产物为空
	ErrNoOutput = errors.New("toolchain: no output produced")
)

// Runner 在指定工作目录中执行一条命令，返回合并后的输出
// 命令中的输入输出文件一律使用相对工作目录的文件名
type Runner interface {
	Run(ctx context.Context, workDir string, argv []string) (string, error)

	// Verify 校验工具可执行
	Verify(ctx context.Context, tool string) error
}

// Toolchain 两段式编译: 解释型模块 → C 翻译单元 → 目标平台共享库
type Toolchain struct {
	Root       string // 工具链根目录 (容器模式下是镜像内的路径)
	Triple     string // 目标三元组，例如 arm-linux-gnueabihf
	Translator string // 翻译器，默认 cython

	Runner Runner
}

// CompilerPath 交叉编译器路径 <root>/bin/<triple>-gcc
func (t *Toolchain) CompilerPath() string {
	return path.Join(filepath.ToSlash(t.Root), "bin", t.Triple+"-gcc")
}

// Verify 启动检查，失败时返回 ErrCompilerMissing
func (t *Toolchain) Verify(ctx context.Context) error {
	cc := t.CompilerPath()
	if err := t.Runner.Verify(ctx, cc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCompilerMissing, cc, err)
	}
	return nil
}

// Translate 把模块翻译为 C 源文件，source 为工作目录下的文件名
func (t *Toolchain) Translate(ctx context.Context, workDir, source string) (string, error) {
	out := strings.TrimSuffix(source, filepath.Ext(source)) + ".c"
	// 移除旧的 .c 文件
	os.Remove(filepath.Join(workDir, out))

	translator := t.Translator
	if translator == "" {
		translator = "cython"
	}
	argv := []string{translator, "-3", "-D", "-X", "emit_code_comments=False", source, "-o", out}
	output, err := t.Runner.Run(ctx, workDir, argv)
	if err != nil {
		return "", fmt.Errorf("translate %s: %w\n%s", source, err, output)
	}
	if err := checkOutput(workDir, out); err != nil {
		return "", fmt.Errorf("translate %s: %w\n%s", source, err, output)
	}
	return out, nil
}

// NativeCompile 把 C 源文件编译为位置无关的共享库
// 固定参数: -O3 速度优先, -w 关闭警告, -fno-strict-aliasing
func (t *Toolchain) NativeCompile(ctx context.Context, workDir, csource string) (string, error) {
	out := strings.TrimSuffix(csource, filepath.Ext(csource)) + ".so"

	root := filepath.ToSlash(t.Root)
	headerInc := path.Join(root, t.Triple, "libc", "usr", "include")
	argv := []string{
		t.CompilerPath(),
		"-I" + headerInc,
		"-I" + path.Join(headerInc, "sys"),
		"-I" + path.Join(root, "include_py"),
		"-shared", "-pthread", "-fPIC", "-fwrapv", "-O3", "-w", "-fno-strict-aliasing",
		"-o", out, csource,
	}
	output, err := t.Runner.Run(ctx, workDir, argv)
	if err != nil {
		return "", fmt.Errorf("compile %s: %w\n%s", csource, err, output)
	}
	if err := checkOutput(workDir, out); err != nil {
		return "", fmt.Errorf("compile %s: %w\n%s", csource, err, output)
	}
	return out, nil
}

func checkOutput(workDir, name string) error {
	info, err := os.Stat(filepath.Join(workDir, name))
	if err != nil || info.Size() == 0 {
		return ErrNoOutput
	}
	return nil
}
