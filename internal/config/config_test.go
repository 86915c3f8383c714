package config

import (
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.CacheTTL.DurationValue() != time.Hour {
		t.Fatalf("CacheTTL 应该自动填充默认值，得到 %s", cfg.Global.CacheTTL.DurationValue())
	}
	if cfg.Global.StoragePath == "" {
		t.Fatalf("StoragePath 应该被保留")
	}
	if cfg.Global.ListenPort != 8080 || cfg.Global.AdminPort != 8081 {
		t.Fatalf("端口解析错误: %d/%d", cfg.Global.ListenPort, cfg.Global.AdminPort)
	}
	if cfg.Global.TransactionNoActivityTimeoutIn.DurationValue() != 20*time.Second {
		t.Fatalf("整数秒应解析为 Duration，得到 %s", cfg.Global.TransactionNoActivityTimeoutIn.DurationValue())
	}
	if cfg.Global.TransactionActiveTimeoutIn.DurationValue() != 900*time.Second {
		t.Fatalf("未配置的超时应使用默认值")
	}
	if cfg.Global.HTTP2MaxConcurrentStreams != 64 || cfg.Global.HTTP2InitialWindowSize != 65535 {
		t.Fatalf("HTTP/2 参数解析错误: %+v", cfg.Global)
	}
	if !cfg.Global.RevalidateWatch {
		t.Fatalf("配置规则文件时默认开启监听")
	}
	if len(cfg.Global.DiagnosticHooks) != 2 {
		t.Fatalf("默认诊断 hook 应为 x-cache 与 via，得到 %v", cfg.Global.DiagnosticHooks)
	}
	if cfg.Remaps[0].Origin != "http://127.0.0.1:9000" {
		t.Fatalf("Origin 末尾斜杠应被去除: %s", cfg.Remaps[0].Origin)
	}
	if cfg.EffectiveCacheTTL(cfg.Remaps[0]) != cfg.Global.CacheTTL.DurationValue() {
		t.Fatalf("Remap 未设置 TTL 时应退回全局 TTL")
	}
	if cfg.EffectiveCacheTTL(cfg.Remaps[1]) != 10*time.Minute {
		t.Fatalf("Remap TTL 覆盖未生效")
	}
}

func TestValidateRejectsBadRemap(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestEffectiveCacheTTLOverrides(t *testing.T) {
	cfg := &Config{Global: GlobalConfig{CacheTTL: Duration(time.Hour)}}
	remap := RemapConfig{CacheTTL: Duration(2 * time.Hour)}
	if ttl := cfg.EffectiveCacheTTL(remap); ttl != 2*time.Hour {
		t.Fatalf("覆盖 TTL 应该优先生效")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateGlobalFields(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"admin port clash", func(c *Config) { c.Global.AdminPort = c.Global.ListenPort }},
		{"negative timeout", func(c *Config) { c.Global.TransactionNoActivityTimeoutIn = Duration(-time.Second) }},
		{"zero streams", func(c *Config) { c.Global.HTTP2MaxConcurrentStreams = 0 }},
		{"window too large", func(c *Config) { c.Global.HTTP2InitialWindowSize = 1 << 31 }},
		{"buffer smaller than frame", func(c *Config) { c.Global.BodyBufferSize = c.Global.BodyFrameSize - 1 }},
		{"negative drain limit", func(c *Config) { c.Global.RequestDrainLimit = -1 }},
		{"half tls pair", func(c *Config) { c.Global.TLSCertFile = "cert.pem" }},
		{"empty hook name", func(c *Config) { c.Global.DiagnosticHooks = []string{""} }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestRemapValidation(t *testing.T) {
	testCases := []struct {
		name      string
		mutate    func(*RemapConfig)
		shouldErr bool
	}{
		{"ok", func(r *RemapConfig) {}, false},
		{"missing name", func(r *RemapConfig) { r.Name = "" }, true},
		{"domain with path", func(r *RemapConfig) { r.Domain = "static.local/x" }, true},
		{"origin without scheme", func(r *RemapConfig) { r.Origin = "origin.local" }, true},
		{"ftp origin", func(r *RemapConfig) { r.Origin = "ftp://origin.local" }, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg.Remaps[0])
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateRejectsDuplicateDomains(t *testing.T) {
	cfg := validConfig()
	cfg.Remaps = append(cfg.Remaps, RemapConfig{Name: "other", Domain: "STATIC.local", Origin: "http://127.0.0.1:9001"})
	if err := cfg.Validate(); err == nil {
		t.Fatalf("重复 Domain 应报错")
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:                8080,
			AdminPort:                 8081,
			StoragePath:               "./data",
			CacheTTL:                  Duration(time.Hour),
			UpstreamTimeout:           Duration(time.Second),
			HTTP2MaxConcurrentStreams: 100,
			HTTP2InitialWindowSize:    65535,
			BodyFrameSize:             16 * 1024,
			BodyBufferSize:            64 * 1024,
		},
		Remaps: []RemapConfig{
			{
				Name:   "static",
				Domain: "static.local",
				Origin: "http://127.0.0.1:9000",
			},
		},
	}
}
