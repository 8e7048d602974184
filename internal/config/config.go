package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 是 VOSE 的顶层配置结构。
type Config struct {
	Audio    AudioConfig    `yaml:"audio"`
	Engine   EngineConfig   `yaml:"engine"`
	Render   RenderConfig   `yaml:"render"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Storage  StorageConfig  `yaml:"storage"`
	Log      LogConfig      `yaml:"log"`
}

// AudioConfig 实时播放配置。
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
	// PeriodFrames 是设备回调每次拉取的帧数，回调必须在该帧数的
	// 播放时长内返回。
	PeriodFrames int `yaml:"period_frames"`
	// RingFrames 是合成线程与音频回调之间环形缓冲区的容量（帧），
	// 必须是 2 的幂。
	RingFrames int `yaml:"ring_frames"`
	// DevicePriority 按优先级列出后端类型（如 wasapi、dsound、alsa），
	// 为空则使用平台默认顺序。
	DevicePriority []string `yaml:"device_priority"`
}

// EngineConfig 原生合成引擎配置。
type EngineConfig struct {
	// Backend 选择合成后端：vse（原生引擎库）或 sine（纯 Go 正弦波，
	// 无需音源资产，用于没有引擎库的环境）。
	Backend   string `yaml:"backend"`
	VoiceName string `yaml:"voice_name"`
	VoicePath string `yaml:"voice_path"`
	// TailSeconds 是渲染缓冲区在最后一个音符之后保留的余量（秒），
	// 用于尾音和混响衰减。
	TailSeconds float64 `yaml:"tail_seconds"`
}

// RenderConfig 渲染调度配置。
type RenderConfig struct {
	// LookaheadSeconds 是交互预览每次向前渲染的窗口长度（秒）。
	LookaheadSeconds float64 `yaml:"lookahead_seconds"`
	// PreviewDebounceMs 是编辑防抖时间（毫秒），窗口内的连续编辑
	// 只触发一次重渲染。
	PreviewDebounceMs int `yaml:"preview_debounce_ms"`
}

// AnalysisConfig 音源时序分析配置。
type AnalysisConfig struct {
	// VADModelPath 是 silero VAD 模型路径，为空则只用包络分析。
	VADModelPath string  `yaml:"vad_model_path"`
	Threshold    float32 `yaml:"threshold"`
	WindowMs     int     `yaml:"window_ms"`
	MinSilenceMs int     `yaml:"min_silence_ms"`
}

// StorageConfig 本地存储配置。
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// LogConfig 日志配置。
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

// Load 读取 YAML 配置文件并返回 Config。
// 支持 ${VAR_NAME} 形式的环境变量展开。
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件 %s 失败: %w", path, err)
	}

	// 展开环境变量，如 ${VOSE_VOICE_PATH}
	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	setDefaults(cfg)
	return cfg, nil
}

// setDefaults 为未设置的配置项填充默认值。
func setDefaults(cfg *Config) {
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 44100
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.PeriodFrames == 0 {
		cfg.Audio.PeriodFrames = 256
	}
	if cfg.Audio.RingFrames == 0 {
		cfg.Audio.RingFrames = 16384
	}
	if cfg.Engine.Backend == "" {
		cfg.Engine.Backend = "vse"
	}
	if cfg.Engine.TailSeconds == 0 {
		cfg.Engine.TailSeconds = 1.0
	}
	if cfg.Render.LookaheadSeconds == 0 {
		cfg.Render.LookaheadSeconds = 2.0
	}
	if cfg.Render.PreviewDebounceMs == 0 {
		cfg.Render.PreviewDebounceMs = 300
	}
	if cfg.Analysis.Threshold == 0 {
		cfg.Analysis.Threshold = 0.5
	}
	if cfg.Analysis.WindowMs == 0 {
		cfg.Analysis.WindowMs = 10
	}
	if cfg.Analysis.MinSilenceMs == 0 {
		cfg.Analysis.MinSilenceMs = 250
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	if cfg.Storage.DataDir == "" {
		home, _ := os.UserHomeDir()
		if home != "" {
			cfg.Storage.DataDir = home + "/.vose"
		} else {
			cfg.Storage.DataDir = "./.vose-data"
		}
	} else if strings.HasPrefix(cfg.Storage.DataDir, "~/") {
		// Go 不会自动展开 ~，需要手动替换为用户主目录
		home, _ := os.UserHomeDir()
		if home != "" {
			cfg.Storage.DataDir = home + cfg.Storage.DataDir[1:]
		}
	}

	// 去除路径两端可能的空白（环境变量展开后常见）
	cfg.Engine.VoiceName = strings.TrimSpace(cfg.Engine.VoiceName)
	cfg.Engine.VoicePath = strings.TrimSpace(cfg.Engine.VoicePath)
}
