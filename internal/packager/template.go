package packager

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// 行内缩进的 print 调用整体换成 pass
	printCall = regexp.MustCompile(`( )print\(.*\)`)

	debugRegions = []*regexp.Regexp{
		regexp.MustCompile(`\s*?# 测试开始 <[\s\S]*?# 测试结束 >`),
		regexp.MustCompile(`\s*?# debug begin <[\s\S]*?# debug end >`),
	}

	// NAME: ("label", True, False)
	tagRow = regexp.MustCompile(`^(\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:\s*\(\s*"(.*)"\s*,\s*(True|False)\s*,\s*(True|False)\s*,*\)(.*)$`)
)

// Template 模块源码的结构化视图
// 槽位是模块顶层或缩进的 NAME = value 赋值语句，按名字替换
type Template struct {
	lines []string
}

// ParseTemplate 统一换行符为 LF
func ParseTemplate(src string) *Template {
	src = strings.ReplaceAll(src, "\r\n", "\n")
	return &Template{lines: strings.Split(src, "\n")}
}

func (t *Template) String() string {
	return strings.Join(t.lines, "\n")
}

// StripPrints print(...) → pass
func (t *Template) StripPrints() {
	for i, line := range t.lines {
		t.lines[i] = printCall.ReplaceAllString(line, "${1}pass")
	}
}

// StripDebugRegions 删除调试代码块，包括开始标记之前的空白
func (t *Template) StripDebugRegions() {
	text := t.String()
	for _, re := range debugRegions {
		text = re.ReplaceAllString(text, "")
	}
	t.lines = strings.Split(text, "\n")
}

// slotIndex 第一条给 name 赋值的语句
func (t *Template) slotIndex(name string) int {
	for i, line := range t.lines {
		rest, ok := strings.CutPrefix(strings.TrimLeft(line, " \t"), name)
		if !ok {
			continue
		}
		rest = strings.TrimLeft(rest, " \t")
		if strings.HasPrefix(rest, "=") && !strings.HasPrefix(rest, "==") {
			return i
		}
	}
	return -1
}

// HasSlot 模块中是否存在该槽位
func (t *Template) HasSlot(name string) bool {
	return t.slotIndex(name) >= 0
}

// SetString 把槽位替换为 NAME = "value"，槽位不存在时不做任何修改
func (t *Template) SetString(name, value string) bool {
	i := t.slotIndex(name)
	if i < 0 {
		return false
	}
	line := t.lines[i]
	indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
	t.lines[i] = fmt.Sprintf(`%s%s = "%s"`, indent, name, escapeString(value))
	return true
}

// SetTagRow 改写标签类型表中的一行，保留显示名称
func (t *Template) SetTagRow(name string, readable, writable bool) bool {
	for i, line := range t.lines {
		m := tagRow.FindStringSubmatch(line)
		if m == nil || m[2] != name {
			continue
		}
		t.lines[i] = fmt.Sprintf(`%s%s: ("%s", %s, %s)%s`, m[1], name, m[3], pyBool(readable), pyBool(writable), m[6])
		return true
	}
	return false
}

func escapeString(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return strings.ReplaceAll(v, `"`, `\"`)
}

func pyBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}
