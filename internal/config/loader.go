package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectRemapLevelPorts(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Remaps {
		applyRemapDefaults(&cfg.Remaps[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 8080)
	v.SetDefault("AdminPort", 8081)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("CacheTTL", 3600)
	v.SetDefault("UpstreamTimeout", "30s")

	v.SetDefault("TransactionActiveTimeoutIn", "900s")
	v.SetDefault("TransactionNoActivityTimeoutIn", "30s")
	v.SetDefault("TransactionNoActivityTimeoutOut", "30s")
	v.SetDefault("KeepAliveNoActivityTimeoutIn", "120s")
	v.SetDefault("HTTP2ActiveTimeoutIn", 0)
	v.SetDefault("HTTP2NoActivityTimeoutIn", "120s")
	v.SetDefault("HTTP2MaxConcurrentStreams", 100)
	v.SetDefault("HTTP2InitialWindowSize", 65535)

	v.SetDefault("BodyFrameSize", 16*1024)
	v.SetDefault("BodyBufferSize", 64*1024)
	v.SetDefault("RequestDrainLimit", 64*1024)

	v.SetDefault("RevalidateConfigPath", "")
	v.SetDefault("RevalidateStatePath", "")
	v.SetDefault("RevalidateWatch", true)
	v.SetDefault("DiagnosticHooks", []string{"x-cache", "via"})
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 8080
	}
	if g.CacheTTL.DurationValue() == 0 {
		g.CacheTTL = Duration(time.Hour)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.BodyFrameSize == 0 {
		g.BodyFrameSize = 16 * 1024
	}
	if g.BodyBufferSize == 0 {
		g.BodyBufferSize = 64 * 1024
	}
	if g.RevalidateConfigPath == "" {
		g.RevalidateWatch = false
	}
	for i, name := range g.DiagnosticHooks {
		g.DiagnosticHooks[i] = strings.ToLower(strings.TrimSpace(name))
	}
}

func applyRemapDefaults(r *RemapConfig) {
	if r.CacheTTL.DurationValue() < 0 {
		r.CacheTTL = Duration(0)
	}
	r.Domain = strings.ToLower(strings.TrimSpace(r.Domain))
	r.Origin = strings.TrimRight(strings.TrimSpace(r.Origin), "/")
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectRemapLevelPorts 拒绝在 [[Remap]] 中配置端口，所有 Remap 共享 ListenPort。
func rejectRemapLevelPorts(v *viper.Viper) error {
	raw := v.Get("Remap")
	remaps, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range remaps {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if _, exists := lookupFold(m, "Port"); exists {
			name := fmt.Sprintf("#%d", idx)
			if rawName, ok := lookupFold(m, "Name"); ok {
				if s, ok := rawName.(string); ok && s != "" {
					name = s
				}
			}
			return newFieldError(remapField(name, "Port"), "不支持单独端口，请使用全局 ListenPort")
		}
	}

	return nil
}

// lookupFold 按不区分大小写的方式读取键，viper 会把表内键名统一转为小写。
func lookupFold(m map[string]interface{}, key string) (interface{}, bool) {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}
