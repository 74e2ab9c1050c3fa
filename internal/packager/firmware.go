package packager

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// FirmwareDir 固件在包内的目录
const FirmwareDir = "res/firmware/app"

var ErrNoFirmware = errors.New("packager: no firmware available")

// FirmwareFamily 1.5 是旧硬件 (STM32)，其他都是 GD32
func FirmwareFamily(hw string) string {
	if hw == "1.5" {
		return "STM32"
	}
	return "GD32"
}

// Firmware 选中的固件
type Firmware struct {
	Family  string
	Version string // 目录名，例如 v1.2
	Path    string // 本地路径
}

// Entry 包内路径 res/firmware/app/<FAMILY>_APP_<version>.nib
func (f *Firmware) Entry() string {
	return path.Join(FirmwareDir, filepath.Base(f.Path))
}

// SelectFirmware 在 <depends>/<family> 下选出版本号最大的 v<版本> 目录
func SelectFirmware(dependsPath, hw string) (*Firmware, error) {
	family := FirmwareFamily(hw)
	root := filepath.Join(dependsPath, family)

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoFirmware, err)
	}

	var best string
	var bestVer []int
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "v") {
			continue
		}
		ver, ok := parseVersion(entry.Name()[1:])
		if !ok {
			continue
		}
		if best == "" || compareVersion(ver, bestVer) > 0 {
			best, bestVer = entry.Name(), ver
		}
	}
	if best == "" {
		return nil, fmt.Errorf("%w: no version directory under %s", ErrNoFirmware, root)
	}

	file := filepath.Join(root, best, fmt.Sprintf("%s_APP_%s.nib", family, best))
	if _, err := os.Stat(file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoFirmware, err)
	}
	return &Firmware{Family: family, Version: best, Path: file}, nil
}

func parseVersion(s string) ([]int, bool) {
	if s == "" {
		return nil, false
	}
	parts := strings.Split(s, ".")
	ver := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, false
		}
		ver = append(ver, n)
	}
	return ver, true
}

// compareVersion 逐段比较，缺少的段视为 0
func compareVersion(a, b []int) int {
	for i := 0; i < len(a) || i < len(b); i++ {
		var x, y int
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		if x != y {
			if x > y {
				return 1
			}
			return -1
		}
	}
	return 0
}
