package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/any-edge/internal/config"
)

// RemapRoute 将 Remap 配置与派生属性（生效 TTL、解析后的源站 URL）聚合在一起，
// 供代理层直接复用，避免重复解析配置。
type RemapRoute struct {
	// Config 是 config.toml 中声明的 Remap 字段副本。
	Config config.RemapConfig
	// ListenPort 记录客户端监听端口，便于日志与 Via 头输出。
	ListenPort int
	// CacheTTL 是源站未给出新鲜度信息时的回退 TTL。
	CacheTTL time.Duration
	// OriginURL 在构造 Registry 时解析完成。
	OriginURL *url.URL
}

// OriginFor 将客户端 request-target 映射到源站 URL，保留查询串。
func (r *RemapRoute) OriginFor(path string) string {
	base := strings.TrimRight(r.OriginURL.String(), "/")
	if path == "" || path == "*" {
		return base + "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// RemapRegistry 提供 Host/Host:port 到 RemapRoute 的查询能力，所有 Remap 共享同一个监听端口。
type RemapRegistry struct {
	routes  map[string]*RemapRoute
	ordered []*RemapRoute
}

// NewRemapRegistry 根据配置构建 Host 映射。调用方应在启动阶段创建一次并复用。
func NewRemapRegistry(cfg *config.Config) (*RemapRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &RemapRegistry{
		routes: make(map[string]*RemapRoute, len(cfg.Remaps)),
	}

	for _, remap := range cfg.Remaps {
		normalizedHost := normalizeDomain(remap.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for remap %s", remap.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		originURL, err := url.Parse(remap.Origin)
		if err != nil {
			return nil, fmt.Errorf("invalid origin for remap %s: %w", remap.Name, err)
		}

		route := &RemapRoute{
			Config:     remap,
			ListenPort: cfg.Global.ListenPort,
			CacheTTL:   cfg.EffectiveCacheTTL(remap),
			OriginURL:  originURL,
		}
		registry.routes[normalizedHost] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 RemapRoute。
func (r *RemapRegistry) Lookup(host string) (*RemapRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// List 返回当前注册的 RemapRoute 列表（按配置定义的顺序），用于 /-/status 输出。
func (r *RemapRegistry) List() []RemapRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]RemapRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
