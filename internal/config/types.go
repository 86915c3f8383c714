package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有 Remap 共享同一份参数。
// 超时字段为 0 表示禁用对应计时器。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	AdminPort       int      `mapstructure:"AdminPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	CacheTTL        Duration `mapstructure:"CacheTTL"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	TLSCertFile     string   `mapstructure:"TLSCertFile"`
	TLSKeyFile      string   `mapstructure:"TLSKeyFile"`

	TransactionActiveTimeoutIn      Duration `mapstructure:"TransactionActiveTimeoutIn"`
	TransactionNoActivityTimeoutIn  Duration `mapstructure:"TransactionNoActivityTimeoutIn"`
	TransactionNoActivityTimeoutOut Duration `mapstructure:"TransactionNoActivityTimeoutOut"`
	KeepAliveNoActivityTimeoutIn    Duration `mapstructure:"KeepAliveNoActivityTimeoutIn"`
	HTTP2ActiveTimeoutIn            Duration `mapstructure:"HTTP2ActiveTimeoutIn"`
	HTTP2NoActivityTimeoutIn        Duration `mapstructure:"HTTP2NoActivityTimeoutIn"`
	HTTP2MaxConcurrentStreams       int      `mapstructure:"HTTP2MaxConcurrentStreams"`
	HTTP2InitialWindowSize          int      `mapstructure:"HTTP2InitialWindowSize"`

	BodyFrameSize     int   `mapstructure:"BodyFrameSize"`
	BodyBufferSize    int   `mapstructure:"BodyBufferSize"`
	RequestDrainLimit int64 `mapstructure:"RequestDrainLimit"`

	RevalidateConfigPath string   `mapstructure:"RevalidateConfigPath"`
	RevalidateStatePath  string   `mapstructure:"RevalidateStatePath"`
	RevalidateWatch      bool     `mapstructure:"RevalidateWatch"`
	DiagnosticHooks      []string `mapstructure:"DiagnosticHooks"`
}

// TLSEnabled 表示是否同时配置了证书与私钥。
func (g GlobalConfig) TLSEnabled() bool {
	return g.TLSCertFile != "" && g.TLSKeyFile != ""
}

// RemapConfig 将一个客户端可见的 Host 映射到源站。
type RemapConfig struct {
	Name     string   `mapstructure:"Name"`
	Domain   string   `mapstructure:"Domain"`
	Origin   string   `mapstructure:"Origin"`
	CacheTTL Duration `mapstructure:"CacheTTL"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig  `mapstructure:",squash"`
	Remaps []RemapConfig `mapstructure:"Remap"`
}

// RemapSummaries 返回所有 Remap 的摘要，例如 static:static.local->http://origin，供启动日志使用。
func RemapSummaries(remaps []RemapConfig) []string {
	if len(remaps) == 0 {
		return nil
	}
	result := make([]string, len(remaps))
	for i, remap := range remaps {
		result[i] = fmt.Sprintf("%s:%s->%s", remap.Name, remap.Domain, remap.Origin)
	}
	return result
}
