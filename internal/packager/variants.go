package packager

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"ipkforge/internal/sealer"
)

var (
	// ErrUnknownType 不支持的包类型
	ErrUnknownType = errors.New("packager: unknown package type")

	// ErrMissingParam 缺少必需的构建参数
	ErrMissingParam = errors.New("packager: missing build parameter")
)

// 构建参数的表单键，沿用生产工具提交的字段名
const (
	ParamType      = "type"
	ParamSerial    = "sn_str"
	ParamVerMajor  = "os_ver_major"
	ParamVerMinor  = "os_ver_minor"
	ParamHWMain    = "hw_version_main"
	ParamHWSub     = "hw_version_sub"
	ParamPM3       = "pm"
	ParamIDCPU     = "id_cpu"
	ParamIDPM3     = "id_pm3"
	ParamIDSTM32   = "id_stm32"
	ParamIDType    = "id_type"
	ParamFactoryOp = "fac_auto_make"
)

// Params 一次打包请求的参数
type Params map[string]string

func (p Params) require(key string) (string, error) {
	v := strings.TrimSpace(p[key])
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingParam, key)
	}
	return v, nil
}

// HardwareVersion main.sub
func (p Params) HardwareVersion() (string, error) {
	main, err := p.require(ParamHWMain)
	if err != nil {
		return "", err
	}
	sub, err := p.require(ParamHWSub)
	if err != nil {
		return "", err
	}
	return main + "." + sub, nil
}

// GenContext 代码生成时可用的数据
type GenContext struct {
	Variant *Variant
	Params  Params
	Sealer  sealer.Sealer
}

// Transform 针对白名单中某个文件的改写
type Transform func(t *Template, gc *GenContext) error

// Variant 一种设备版本的打包规则
type Variant struct {
	Name        string // 设备版本名，同时是 type 表单值
	Code        string // 写入 UID 的内部标志码
	DBType      int    // 生产数据库中的类型值，-1 表示不入库
	FactoryName string // 生产工具中显示的名称

	// Files 允许编译进包的文件，值为 nil 表示只做通用处理
	Files map[string]Transform

	// AllowResource 过滤复制进包的资源，nil 表示全部允许
	AllowResource func(name string) bool

	// OnStart 开始写包时回调
	OnStart func(w *ArchiveWriter) error

	// BlankTYP TYP 槽位写空字符串
	BlankTYP bool
}

func (v *Variant) allows(name string) bool {
	return v.AllowResource == nil || v.AllowResource(name)
}

// Generate 对白名单中的文件执行通用处理和文件改写
// 第二个返回值为 false 表示该文件不在白名单中，不应进入包
func (v *Variant) Generate(gc *GenContext, fileName, src string) (string, bool, error) {
	transform, ok := v.Files[fileName]
	if !ok {
		return "", false, nil
	}

	t := ParseTemplate(src)
	t.StripPrints()
	t.StripDebugRegions()
	if transform != nil {
		if err := transform(t, gc); err != nil {
			return "", true, fmt.Errorf("generate %s: %w", fileName, err)
		}
	}
	return t.String(), true, nil
}

// 核心模块，所有版本都需要
var coreModules = []string{
	"commons.py", "executor.py", "actbase.py", "actmain.py", "actstack.py",
	"application.py", "activity_update.py", "audio.py", "batteryui.py",
	"bytestr.py", "config.py", "debug.py", "hmi_driver.py", "images.py",
	"keymap.py", "resources.py", "settings.py", "update.py", "widget.py",
	"version.py", "ymodem.py", "gadget_linux.py", "vsp_tools.py",
	"serpool.py", "sermain.py",
}

// 读写卡功能模块
var readerModules = []string{
	"appfiles.py", "container.py", "felicaread.py", "hf14ainfo.py",
	"hf14aread.py", "hffelica.py", "hficlass.py", "hfmfkeys.py",
	"hfmfread.py", "hfmfuinfo.py", "hfmfuread.py", "hfmfuwrite.py",
	"hfmfwrite.py", "hfsearch.py", "hf15read.py", "hf15write.py",
	"legicread.py", "lfem4x05.py", "lfread.py", "lfsearch.py",
	"lft55xx.py", "lfverify.py", "lfwrite.py", "mifare.py", "read.py",
	"scan.py", "sniff.py", "tagtypes.py", "write.py",
	"activity_main.py", "activity_tools.py", "audio_copy.py", "games.py",
	"template.py",
}

var iclassModules = []string{"iclassread.py", "iclasswrite.py"}

func whitelist(groups ...[]string) map[string]Transform {
	files := make(map[string]Transform)
	for _, group := range groups {
		for _, name := range group {
			files[name] = nil
		}
	}
	return files
}

// disableTags 把指定标签类型设为不可读不可写
func disableTags(names ...string) Transform {
	return func(t *Template, _ *GenContext) error {
		for _, name := range names {
			t.SetTagRow(name, false, false)
		}
		return nil
	}
}

var (
	disableX = disableTags(
		"M1_S50_1K_7B", "M1_S70_4K_4B", "M1_S70_4K_7B",
		"M1_POSSIBLE_4B", "M1_POSSIBLE_7B",
		"M1_MINI", "M1_PLUS_2K",
		"ICLASS_ELITE", "ICLASS_LEGACY",
	)
	disableIClass = disableTags("ICLASS_ELITE", "ICLASS_LEGACY")
)

// stampVersion 写入序列号、版本号、硬件版本、PM3 版本、设备类型和加密的 UID
func stampVersion(t *Template, gc *GenContext) error {
	p := gc.Params

	sn, err := p.require(ParamSerial)
	if err != nil {
		return err
	}
	t.SetString("SERIAL_NUMBER", sn)

	if v := p[ParamVerMajor]; v != "" {
		t.SetString("VERSION_MAJOR", v)
	}
	if v := p[ParamVerMinor]; v != "" {
		t.SetString("VERSION_MINOR", v)
	}
	if p[ParamHWMain] != "" && p[ParamHWSub] != "" {
		t.SetString("HARDWARE_VER", p[ParamHWMain]+"."+p[ParamHWSub])
	}
	if v := p[ParamPM3]; v != "" {
		t.SetString("PM3_VER", v)
	}

	typ := p[ParamType]
	if typ == "" {
		typ = gc.Variant.Name
	}
	if gc.Variant.BlankTYP {
		typ = ""
	}
	t.SetString("TYP", typ)

	uid, err := sealIdentity(gc)
	if err != nil {
		return err
	}
	t.SetString("UID", uid)
	return nil
}

func sealIdentity(gc *GenContext) (string, error) {
	p := gc.Params
	id := sealer.DeviceIdentity{
		CPU:   strings.TrimSpace(p[ParamIDCPU]),
		PM3:   strings.TrimSpace(p[ParamIDPM3]),
		STM32: strings.TrimSpace(p[ParamIDSTM32]),
		Type:  strings.TrimSpace(p[ParamIDType]),
	}
	if id.Type == "" {
		id.Type = gc.Variant.Code
	}
	if gc.Sealer == nil {
		return "", errors.New("packager: no seal recipient configured")
	}
	return gc.Sealer.Seal(id)
}

func notFirmware(name string) bool {
	return !strings.Contains(name, "res/firmware")
}

func factoryStart(w *ArchiveWriter) error {
	if w.Has("disallow_backup") {
		return nil
	}
	return w.AddBytes("disallow_backup", nil)
}

// Variants 设备版本表
var Variants = buildVariants()

func buildVariants() map[string]*Variant {
	debug := &Variant{
		Name: "iCopy-Debug", Code: "xs", DBType: -1, FactoryName: "调试版本(16G)",
		Files: whitelist(coreModules, readerModules, iclassModules,
			[]string{"iclassencrypt.py", "trans.py", "activity_debug.py", "activity_factory.py"}),
	}

	factory := &Variant{
		Name: "iCopy-Factory", Code: "f", DBType: -1, FactoryName: "工程版本(4G)",
		Files:         whitelist(coreModules, []string{"activity_factory.py"}),
		AllowResource: notFirmware,
		OnStart:       factoryStart,
	}

	x := &Variant{
		Name: "iCopy-X", Code: "x", DBType: 0, FactoryName: "低配版本(4G)",
		Files: whitelist(coreModules, readerModules),
	}
	x.Files["tagtypes.py"] = disableX
	x.Files["version.py"] = stampVersion

	xr := &Variant{
		Name: "iCopy-XR", Code: "xr", DBType: 1, FactoryName: "中配版本(8G)",
		Files: whitelist(coreModules, readerModules),
	}
	xr.Files["tagtypes.py"] = disableIClass
	xr.Files["version.py"] = stampVersion

	newXS := func(name, code string, dbType int, factoryName string) *Variant {
		v := &Variant{
			Name: name, Code: code, DBType: dbType, FactoryName: factoryName,
			Files: whitelist(coreModules, readerModules, iclassModules, []string{"server_iclassse.py"}),
		}
		v.Files["version.py"] = stampVersion
		return v
	}
	xs := newXS("iCopy-XS", "xs", 2, "高配版本(16G)")
	uk := newXS("iCopy-XS(UK)", "uk", 4, "英国版本(16G)")
	xsc := newXS("iCopy-XSC(CN)", "xsc", 5, "跃力安防(16G)")
	xsc.BlankTYP = true

	zh := &Variant{
		Name: "iCopy-XS(CN)", Code: "zh", DBType: 3, FactoryName: "中文版本(16G)",
		Files: whitelist(coreModules, readerModules),
	}
	zh.Files["tagtypes.py"] = disableIClass
	zh.Files["version.py"] = stampVersion

	table := make(map[string]*Variant)
	for _, v := range []*Variant{debug, factory, x, xr, xs, zh, uk, xsc} {
		table[v.Name] = v
	}
	return table
}

// LookupVariant 根据 type 表单值查找版本
func LookupVariant(name string) (*Variant, error) {
	v, ok := Variants[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return v, nil
}

// VariantNames 全部支持的版本名，按名称排序
func VariantNames() []string {
	names := make([]string, 0, len(Variants))
	for name := range Variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// VariantByDBType 生产数据库中的类型值反查版本
func VariantByDBType(dbType int) (*Variant, error) {
	for _, v := range Variants {
		if v.DBType >= 0 && v.DBType == dbType {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: db type %d", ErrUnknownType, dbType)
}
