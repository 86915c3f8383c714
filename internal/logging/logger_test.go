package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/any-hub/any-edge/internal/config"
)

func TestConfigureDefaultsToStdout(t *testing.T) {
	logger, err := InitLogger(config.GlobalConfig{LogLevel: "info"})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("未指定文件时应输出到 stdout")
	}
}

func TestInitLoggerFallbackOnPermissionDenied(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked")
	if err := os.Mkdir(blocked, 0o755); err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	if err := os.Chmod(blocked, 0o000); err != nil {
		t.Fatalf("设置目录权限失败: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(blocked, 0o755) })

	cfg := config.GlobalConfig{
		LogLevel:    "info",
		LogFilePath: filepath.Join(blocked, "sub", "any-edge.log"),
	}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("初始化不应失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("fallback 时应退回 stdout")
	}
}

func TestConfigureCreatesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "any-edge.log")
	cfg := config.GlobalConfig{LogLevel: "debug", LogFilePath: path}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	logger.Info("test")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("预期创建日志文件: %v", err)
	}
}

func TestRequestFieldsCacheHit(t *testing.T) {
	fields := RequestFields("static", "static.local", "http://origin", "hit-stale")
	if fields["cache_hit"] != true {
		t.Fatalf("hit-stale 应视为缓存命中")
	}
	if RequestFields("static", "static.local", "http://origin", "miss")["cache_hit"] != false {
		t.Fatalf("miss 不应视为命中")
	}
}

func TestTransactionFieldsOmitZeroStream(t *testing.T) {
	fields := TransactionFields("id", "http/1.1", 0, "GET", "static.local", "/")
	if _, ok := fields["stream_id"]; ok {
		t.Fatalf("HTTP/1.1 事务不应包含 stream_id")
	}
	fields = TransactionFields("id", "h2", 3, "GET", "static.local", "/")
	if fields["stream_id"] != uint32(3) {
		t.Fatalf("unexpected stream_id %v", fields["stream_id"])
	}
}
