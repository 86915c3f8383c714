package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const maxWindowSize = 1<<31 - 1

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.AdminPort < 0 || g.AdminPort > 65535 {
		return newFieldError("Global.AdminPort", "必须在 0-65535（0 表示禁用）")
	}
	if g.AdminPort != 0 && g.AdminPort == g.ListenPort {
		return newFieldError("Global.AdminPort", "不能与 ListenPort 相同")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.CacheTTL.DurationValue() <= 0 {
		return newFieldError("Global.CacheTTL", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if (g.TLSCertFile == "") != (g.TLSKeyFile == "") {
		return newFieldError("Global.TLSCertFile/TLSKeyFile", "必须同时提供或同时留空")
	}

	timeouts := map[string]Duration{
		"TransactionActiveTimeoutIn":      g.TransactionActiveTimeoutIn,
		"TransactionNoActivityTimeoutIn":  g.TransactionNoActivityTimeoutIn,
		"TransactionNoActivityTimeoutOut": g.TransactionNoActivityTimeoutOut,
		"KeepAliveNoActivityTimeoutIn":    g.KeepAliveNoActivityTimeoutIn,
		"HTTP2ActiveTimeoutIn":            g.HTTP2ActiveTimeoutIn,
		"HTTP2NoActivityTimeoutIn":        g.HTTP2NoActivityTimeoutIn,
	}
	for name, d := range timeouts {
		if d.DurationValue() < 0 {
			return newFieldError("Global."+name, "不能为负数")
		}
	}

	if g.HTTP2MaxConcurrentStreams <= 0 {
		return newFieldError("Global.HTTP2MaxConcurrentStreams", "必须大于 0")
	}
	if g.HTTP2InitialWindowSize <= 0 || g.HTTP2InitialWindowSize > maxWindowSize {
		return newFieldError("Global.HTTP2InitialWindowSize", "必须在 1-2147483647")
	}
	if g.BodyFrameSize <= 0 || g.BodyFrameSize > 1<<20 {
		return newFieldError("Global.BodyFrameSize", "必须在 1-1048576")
	}
	if g.BodyBufferSize < g.BodyFrameSize {
		return newFieldError("Global.BodyBufferSize", "不能小于 BodyFrameSize")
	}
	if g.RequestDrainLimit < 0 {
		return newFieldError("Global.RequestDrainLimit", "不能为负数")
	}
	for _, name := range g.DiagnosticHooks {
		if name == "" {
			return newFieldError("Global.DiagnosticHooks", "不能包含空名称")
		}
	}

	if len(c.Remaps) == 0 {
		return errors.New("至少需要配置一个 Remap")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Remaps {
		remap := &c.Remaps[i]
		if remap.Name == "" {
			return newFieldError("Remap[].Name", "不能为空")
		}
		if _, exists := seenNames[remap.Name]; exists {
			return newFieldError(remapField(remap.Name, "Name"), "重复")
		}
		seenNames[remap.Name] = struct{}{}

		if err := validateDomain(remap.Domain); err != nil {
			return fmt.Errorf("%s: %w", remapField(remap.Name, "Domain"), err)
		}
		domain := strings.ToLower(remap.Domain)
		if _, exists := seenDomains[domain]; exists {
			return newFieldError(remapField(remap.Name, "Domain"), "重复")
		}
		seenDomains[domain] = struct{}{}

		if err := validateOrigin(remap.Origin); err != nil {
			return fmt.Errorf("%s: %w", remapField(remap.Name, "Origin"), err)
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}

// EffectiveCacheTTL 返回特定 Remap 生效的回退 TTL，未覆盖时使用全局值。
func (c *Config) EffectiveCacheTTL(r RemapConfig) time.Duration {
	if r.CacheTTL.DurationValue() > 0 {
		return r.CacheTTL.DurationValue()
	}
	return c.Global.CacheTTL.DurationValue()
}
