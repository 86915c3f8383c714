package server

import (
	"testing"
	"time"

	"github.com/any-hub/any-edge/internal/config"
)

func testRemapConfig() *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort: 8080,
			CacheTTL:   config.Duration(2 * time.Hour),
		},
		Remaps: []config.RemapConfig{
			{
				Name:   "static",
				Domain: "static.edge.local",
				Origin: "http://127.0.0.1:9000",
			},
			{
				Name:     "api",
				Domain:   "api.edge.local",
				Origin:   "https://api.example.com/base",
				CacheTTL: config.Duration(30 * time.Minute),
			},
		},
	}
}

func TestRemapRegistryLookupByHost(t *testing.T) {
	cfg := testRemapConfig()
	registry, err := NewRemapRegistry(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	route, ok := registry.Lookup("static.edge.local")
	if !ok {
		t.Fatalf("expected static route")
	}
	if route.Config.Name != "static" {
		t.Errorf("wrong remap returned: %s", route.Config.Name)
	}
	if route.CacheTTL != 2*time.Hour {
		t.Errorf("cache ttl mismatch: got %s", route.CacheTTL)
	}
	if route.OriginURL.String() != "http://127.0.0.1:9000" {
		t.Errorf("unexpected origin URL: %s", route.OriginURL)
	}
	if route.ListenPort != cfg.Global.ListenPort {
		t.Fatalf("route listen port mismatch: %d", route.ListenPort)
	}

	api, ok := registry.Lookup("API.edge.local.")
	if !ok {
		t.Fatalf("lookup should be case-insensitive and ignore trailing dot")
	}
	if api.CacheTTL != 30*time.Minute {
		t.Fatalf("remap ttl override not applied: %s", api.CacheTTL)
	}

	if got := len(registry.List()); got != 2 {
		t.Fatalf("expected 2 routes in list, got %d", got)
	}
}

func TestRemapRegistryParsesHostHeaderPort(t *testing.T) {
	registry, err := NewRemapRegistry(testRemapConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := registry.Lookup("static.edge.local:6000"); !ok {
		t.Fatalf("expected lookup to ignore host header port")
	}
	if _, ok := registry.Lookup("unknown.edge.local"); ok {
		t.Fatalf("unmapped host should miss")
	}
}

func TestRemapRegistryRejectsDuplicateDomains(t *testing.T) {
	cfg := testRemapConfig()
	cfg.Remaps[1].Domain = "static.edge.local"
	if _, err := NewRemapRegistry(cfg); err == nil {
		t.Fatalf("expected duplicate domain error")
	}
}

func TestRemapRouteOriginFor(t *testing.T) {
	registry, err := NewRemapRegistry(testRemapConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	api, _ := registry.Lookup("api.edge.local")

	cases := map[string]string{
		"/v1/items?page=2": "https://api.example.com/base/v1/items?page=2",
		"":                 "https://api.example.com/base/",
		"v1":               "https://api.example.com/base/v1",
	}
	for in, want := range cases {
		if got := api.OriginFor(in); got != want {
			t.Errorf("OriginFor(%q) = %s, want %s", in, got, want)
		}
	}
}
