// Package packager 组装设备安装包 (.ipk)
//
// 一个安装包 = 基础模板 + 编译好的共享库 (按目标目录叠加) + manifest.json + 固件。
// 任意阶段失败都会删除写了一半的包，不会产出残缺的安装包。
package packager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"ipkforge/internal/dispatcher"
	"ipkforge/internal/sealer"
)

// Builder 把模块编译为共享库，由 dispatcher 实现
type Builder interface {
	BuildAll(ctx context.Context, modules []dispatcher.Module) ([]string, error)
}

// Group 一组源码目录到包内目录的映射
type Group struct {
	Source string // 相对项目目录
	Dest   string // 包内目录
	// Generate 需要经过代码生成 (白名单、改写)，否则按原样编译
	Generate bool
}

// DefaultGroups act、gui 生成后放进 lib，app/main 原样编译放进 main
var DefaultGroups = []Group{
	{Source: "act", Dest: "lib", Generate: true},
	{Source: "gui", Dest: "lib", Generate: true},
	{Source: "app/main", Dest: "main"},
}

type Paths struct {
	Project      string
	Depends      string
	Output       string
	BaseTemplate string
}

type Assembler struct {
	paths   Paths
	groups  []Group
	builder Builder
	sealer  sealer.Sealer
	logger  *slog.Logger
}

func NewAssembler(paths Paths, builder Builder, s sealer.Sealer, logger *slog.Logger) *Assembler {
	return &Assembler{
		paths:   paths,
		groups:  DefaultGroups,
		builder: builder,
		sealer:  s,
		logger:  logger.With("component", "assembler"),
	}
}

// layer 一个将要叠加到包内的文件
type layer struct {
	entry string
	local string
}

// Assemble 生成一个安装包，返回包的本地路径
func (a *Assembler) Assemble(ctx context.Context, variant *Variant, params Params) (string, error) {
	sn, err := params.require(ParamSerial)
	if err != nil {
		return "", err
	}
	hw, err := params.HardwareVersion()
	if err != nil {
		return "", err
	}
	if params[ParamFactoryOp] != "" {
		a.logger.Info("factory build requested", "sn", sn)
	}

	start := time.Now()
	staging, err := os.MkdirTemp("", "ipkforge-pkg-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(staging)

	// 1. 生成代码并编译
	gc := &GenContext{Variant: variant, Params: params, Sealer: a.sealer}
	modules, err := a.prepareModules(gc, staging)
	if err != nil {
		return "", err
	}
	a.logger.Info("compiling modules", "type", variant.Name, "sn", sn, "modules", len(modules))

	if _, err := a.builder.BuildAll(ctx, modules); err != nil {
		return "", fmt.Errorf("compile modules: %w", err)
	}

	layers, err := collectLayers(filepath.Join(staging, "so"))
	if err != nil {
		return "", err
	}

	// 2. 固件
	fw, err := SelectFirmware(a.paths.Depends, hw)
	if err != nil {
		return "", err
	}

	// 3. 写包
	if err := os.MkdirAll(a.paths.Output, 0o755); err != nil {
		return "", err
	}
	out := filepath.Join(a.paths.Output, hexUUID()+".ipk")
	if err := a.writeArchive(out, variant, layers, fw, ManifestInfo{SN: sn, HW: hw}); err != nil {
		os.Remove(out)
		return "", err
	}

	a.logger.Info("package assembled",
		"type", variant.Name,
		"sn", sn,
		"path", out,
		"firmware", fw.Version,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return out, nil
}

// prepareModules 生成组写入临时目录后编译，原样组直接编译源文件
func (a *Assembler) prepareModules(gc *GenContext, staging string) ([]dispatcher.Module, error) {
	var modules []dispatcher.Module
	for i, group := range a.groups {
		root := filepath.Join(a.paths.Project, filepath.FromSlash(group.Source))
		sources, err := listModules(root)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", group.Source, err)
		}

		destDir := filepath.Join(staging, "so", filepath.FromSlash(group.Dest))
		genDir := filepath.Join(staging, fmt.Sprintf("gen-%d", i))

		for _, src := range sources {
			rel, _ := filepath.Rel(root, src)
			entry := path.Join(group.Dest, filepath.ToSlash(rel))

			if !group.Generate {
				if !gc.Variant.allows(entry) {
					continue
				}
				modules = append(modules, dispatcher.Module{Source: src, DestDir: destDir})
				continue
			}

			generated, ok, err := a.generate(gc, src, genDir)
			if err != nil {
				return nil, err
			}
			if ok {
				modules = append(modules, dispatcher.Module{Source: generated, DestDir: destDir})
			}
		}
	}
	return modules, nil
}

func (a *Assembler) generate(gc *GenContext, src, genDir string) (string, bool, error) {
	name := filepath.Base(src)
	if _, ok := gc.Variant.Files[name]; !ok {
		return "", false, nil
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return "", false, err
	}
	code, ok, err := gc.Variant.Generate(gc, name, string(data))
	if err != nil || !ok {
		return "", ok, err
	}

	if err := os.MkdirAll(genDir, 0o755); err != nil {
		return "", false, err
	}
	dst := filepath.Join(genDir, name)
	if err := os.WriteFile(dst, []byte(code), 0o644); err != nil {
		return "", false, err
	}
	return dst, true, nil
}

func (a *Assembler) writeArchive(out string, variant *Variant, layers []layer, fw *Firmware, info ManifestInfo) error {
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	w := NewArchiveWriter(f)

	err = func() error {
		if variant.OnStart != nil {
			if err := variant.OnStart(w); err != nil {
				return fmt.Errorf("start hook: %w", err)
			}
		}

		// 叠加的文件覆盖基础模板中的同名条目
		overridden := make(map[string]bool, len(layers)+1)
		for _, l := range layers {
			overridden[l.entry] = true
		}
		overridden[fw.Entry()] = true
		keep := func(name string) bool {
			return !overridden[name] && !w.Has(name) && variant.allows(name)
		}
		if err := w.CopyFrom(a.paths.BaseTemplate, keep); err != nil {
			return fmt.Errorf("copy base template: %w", err)
		}

		dirs := make(map[string]bool)
		for _, l := range layers {
			if err := w.AddLocalFile(l.entry, l.local); err != nil {
				return err
			}
			dirs[path.Dir(l.entry)] = true
		}

		// 每个放了共享库的目录都需要 __init__.py
		initDirs := make([]string, 0, len(dirs))
		for dir := range dirs {
			initDirs = append(initDirs, dir)
		}
		sort.Strings(initDirs)
		for _, dir := range initDirs {
			initFile := path.Join(dir, "__init__.py")
			if !w.Has(initFile) {
				if err := w.AddBytes(initFile, nil); err != nil {
					return err
				}
			}
		}

		if _, err := w.WriteManifest(info); err != nil {
			return fmt.Errorf("write manifest: %w", err)
		}

		if err := w.AddLocalFile(fw.Entry(), fw.Path); err != nil {
			return fmt.Errorf("add firmware: %w", err)
		}
		return w.Close()
	}()
	if err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// listModules 递归列出目录下的 .py 文件，跳过 __init__.py
func listModules(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".py") || d.Name() == "__init__.py" {
			return nil
		}
		files = append(files, p)
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return files, err
}

// collectLayers 编译结果目录 so/<dest>/<name>.so → <dest>/<name>.so
func collectLayers(root string) ([]layer, error) {
	var layers []layer
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".so") {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		layers = append(layers, layer{entry: filepath.ToSlash(rel), local: p})
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return layers, err
}
