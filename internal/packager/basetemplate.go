package packager

import (
	"bufio"
	"bytes"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// 规则文件的三种写法
const (
	ruleEmptyDir  = "[-> " // [-> dir       空目录
	ruleEmptyFile = "]-> " // ]-> file      空文件
	ruleMap       = " -> " // src -> dst    项目中的文件或目录
)

// Rule 规则文件中的一行
type Rule struct {
	Kind string
	Src  string
	Dst  string
}

// ParseRules 解析规则文件，忽略空行和 # 注释
func ParseRules(data []byte) ([]Rule, error) {
	var rules []Rule
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		switch {
		case strings.HasPrefix(line, strings.TrimSpace(ruleEmptyDir)):
			rules = append(rules, Rule{Kind: ruleEmptyDir, Dst: strings.TrimSpace(line[len(strings.TrimSpace(ruleEmptyDir)):])})
		case strings.HasPrefix(line, strings.TrimSpace(ruleEmptyFile)):
			rules = append(rules, Rule{Kind: ruleEmptyFile, Dst: strings.TrimSpace(line[len(strings.TrimSpace(ruleEmptyFile)):])})
		case strings.Contains(line, ruleMap):
			src, dst, _ := strings.Cut(line, ruleMap)
			src, dst = strings.TrimSpace(src), strings.TrimSpace(dst)
			if src == "" || dst == "" {
				return nil, fmt.Errorf("rules line %d: invalid mapping %q", lineNo, line)
			}
			rules = append(rules, Rule{Kind: ruleMap, Src: src, Dst: dst})
		default:
			return nil, fmt.Errorf("rules line %d: unrecognised rule %q", lineNo, line)
		}
	}
	return rules, scanner.Err()
}

// BuildBaseTemplate 按规则文件生成标准基础包
func BuildBaseTemplate(rulesPath, projectPath, outPath string, logger *slog.Logger) (err error) {
	data, err := os.ReadFile(rulesPath)
	if err != nil {
		return fmt.Errorf("read rules: %w", err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}
	tmp := outPath + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(tmp)
		}
	}()

	w := NewArchiveWriter(out)
	for _, rule := range rules {
		switch rule.Kind {
		case ruleEmptyDir:
			err = w.AddDir(rule.Dst)
		case ruleEmptyFile:
			err = w.AddBytes(rule.Dst, nil)
		case ruleMap:
			err = addProjectPath(w, filepath.Join(projectPath, rule.Src), rule.Dst, logger)
		}
		if err != nil {
			return err
		}
	}

	if err = w.Close(); err != nil {
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp, outPath); err != nil {
		return err
	}
	logger.Info("base template built", "path", outPath, "rules", len(rules))
	return nil
}

// addProjectPath 文件直接写入，目录递归写入 dst 下
func addProjectPath(w *ArchiveWriter, src, dst string, logger *slog.Logger) error {
	info, err := os.Stat(src)
	if err != nil {
		logger.Warn("rule source missing", "src", src)
		return nil
	}
	if !info.IsDir() {
		return addNormalized(w, dst, src)
	}

	if err := w.AddDir(dst); err != nil {
		return err
	}
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil || rel == "." {
			return err
		}
		name := path.Join(dst, filepath.ToSlash(rel))
		if d.IsDir() {
			return w.AddDir(name)
		}
		return addNormalized(w, name, p)
	})
}

// addNormalized .py 文件统一为 LF 换行
func addNormalized(w *ArchiveWriter, name, src string) error {
	if !strings.HasSuffix(src, ".py") {
		return w.AddLocalFile(name, src)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return w.AddBytes(name, bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n")))
}
