package toolchain

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// LocalRunner 直接在本机执行工具链
type LocalRunner struct{}

func (LocalRunner) Run(ctx context.Context, workDir string, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workDir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func (LocalRunner) Verify(_ context.Context, tool string) error {
	info, err := os.Stat(tool)
	if err != nil {
		return err
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", tool)
	}
	return nil
}
