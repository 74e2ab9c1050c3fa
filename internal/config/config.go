// Package config 加载三个服务共用的 yaml 配置文件
//
// 加载顺序: 内置默认值 → 配置文件 (不存在则跳过) → 命令行参数 (由各个 main 覆盖)
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings 全部配置
type Settings struct {
	Registry RegistryConfig `yaml:"registry"`
	Compiler CompilerConfig `yaml:"compiler"`
	Packager PackagerConfig `yaml:"packager"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// RegistryConfig 注册中心
type RegistryConfig struct {
	Listen string `yaml:"listen"`

	// ProbeTimeout 反向探测超时，比上传/下载的超时短
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// SweepInterval 后台巡检间隔
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// IdleInterval 成员为空时的休眠间隔
	IdleInterval time.Duration `yaml:"idle_interval"`

	// NodePort 调用方没有声明端口时使用的编译节点端口
	NodePort int `yaml:"node_port"`

	Etcd EtcdConfig `yaml:"etcd"`
}

// CompilerConfig 编译节点，task_max / tools_path / upload_path / output_path 沿用旧配置键名
type CompilerConfig struct {
	Listen            string        `yaml:"listen"`
	RegistryURL       string        `yaml:"registry_url"`
	AdvertisePort     int           `yaml:"advertise_port"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	TaskMax      int    `yaml:"task_max"`
	ToolsPath    string `yaml:"tools_path"`
	TargetTriple string `yaml:"target_triple"`
	Translator   string `yaml:"translator"`
	UploadPath   string `yaml:"upload_path"`
	OutputPath   string `yaml:"output_path"`
	NameIndex    string `yaml:"name_index"`

	Etcd   EtcdConfig   `yaml:"etcd"`
	Docker DockerConfig `yaml:"docker"`
}

// PackagerConfig 打包服务 (内含分发器)
type PackagerConfig struct {
	Listen      string `yaml:"listen"`
	RegistryURL string `yaml:"registry_url"`
	TaskMax     int    `yaml:"task_max"`

	ProjectPath  string `yaml:"project_path"`
	DependsPath  string `yaml:"depends_path"`
	OutputPath   string `yaml:"output_path"`
	BaseTemplate string `yaml:"base_template"`
	PackageRules string `yaml:"package_rules"`

	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	RetryInterval  time.Duration `yaml:"retry_interval"`

	// SealRecipient age X25519 公钥，用于加密写入 UID 的设备标识
	SealRecipient string `yaml:"seal_recipient"`
}

// EtcdConfig Endpoints 为空表示不启用
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
}

// DockerConfig Image 为空表示在本机直接运行工具链
type DockerConfig struct {
	Image string `yaml:"image"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default 内置默认值
func Default() *Settings {
	cores := runtime.NumCPU()
	return &Settings{
		Registry: RegistryConfig{
			Listen:        ":6868",
			ProbeTimeout:  8 * time.Second,
			SweepInterval: 5 * time.Second,
			IdleInterval:  100 * time.Millisecond,
			NodePort:      5858,
		},
		Compiler: CompilerConfig{
			Listen:            ":5858",
			RegistryURL:       "http://127.0.0.1:6868",
			AdvertisePort:     5858,
			HeartbeatInterval: time.Second,
			TaskMax:           cores,
			ToolsPath:         "output/arm-gcc",
			TargetTriple:      "arm-linux-gnueabihf",
			Translator:        "cython",
			UploadPath:        "output/upload",
			OutputPath:        "output/build",
			NameIndex:         "output/config/py_file_map.json",
		},
		Packager: PackagerConfig{
			Listen:         ":7878",
			RegistryURL:    "http://127.0.0.1:6868",
			TaskMax:        cores * 5,
			ProjectPath:    "build/app",
			DependsPath:    "build/dep",
			OutputPath:     "build/ipk",
			BaseTemplate:   "build/std/icopy_std_pkg.ipk",
			ProbeTimeout:   8 * time.Second,
			RequestTimeout: 21 * time.Second,
			PollInterval:   time.Second,
			RetryInterval:  time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load 读取配置文件，path 为空或文件不存在时返回默认值
func Load(path string) (*Settings, error) {
	s := Default()
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return s, nil
}

// Validate 检查编译节点配置
func (c *CompilerConfig) Validate() error {
	if c.TaskMax <= 0 {
		return fmt.Errorf("compiler.task_max must be positive, got %d", c.TaskMax)
	}
	if c.UploadPath == "" || c.OutputPath == "" {
		return errors.New("compiler.upload_path and compiler.output_path are required")
	}
	if c.ToolsPath == "" && c.Docker.Image == "" {
		return errors.New("compiler.tools_path is required")
	}
	return nil
}

// Validate 检查打包服务配置
func (c *PackagerConfig) Validate() error {
	if c.TaskMax <= 0 {
		return fmt.Errorf("packager.task_max must be positive, got %d", c.TaskMax)
	}
	if c.ProjectPath == "" || c.DependsPath == "" || c.OutputPath == "" {
		return errors.New("packager.project_path, depends_path and output_path are required")
	}
	if c.BaseTemplate == "" {
		return errors.New("packager.base_template is required")
	}
	return nil
}
