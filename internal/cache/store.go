package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Store 负责管理磁盘缓存的读写。磁盘布局遵循：
//
//	<StoragePath>/<host>/<sha1[:2]>/<sha1>.body       # 实际正文
//	<StoragePath>/<host>/<sha1[:2]>/<sha1>.meta.json  # 状态码、响应头、新鲜度
//
// sha1 取自完整 URL（含查询串），meta 文件缺失的条目视为不存在。
type Store interface {
	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Put 将上游响应写入缓存，并产出新的 Entry 描述。正文与 meta 均通过临时文件 +
	// rename 保证原子性，失败时清理临时文件。
	Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error)

	// MarkValidated 在源站返回 304 后推进 lastValidated，可选地刷新 maxAge 与校验头。
	MarkValidated(ctx context.Context, locator Locator, opts ValidateOptions) (*Entry, error)

	// Remove 删除正文与 meta 文件。
	Remove(ctx context.Context, locator Locator) error
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	Status      int
	Header      http.Header
	MaxAge      time.Duration
	ValidatedAt time.Time
}

// ValidateOptions 描述一次成功的条件请求。MaxAge < 0 表示沿用原值。
type ValidateOptions struct {
	ValidatedAt time.Time
	MaxAge      time.Duration
	Header      http.Header
}

// Locator 唯一定位一个缓存条目，Path 为包含查询串的 request-target。
type Locator struct {
	Scheme string
	Host   string
	Path   string
}

// URL 返回条目对应的绝对 URL，也是重新验证规则匹配的对象。
func (l Locator) URL() string {
	scheme := l.Scheme
	if scheme == "" {
		scheme = "http"
	}
	path := l.Path
	if path == "" {
		path = "/"
	}
	return scheme + "://" + l.Host + path
}

// Entry 表示一个缓存条目的元数据。
type Entry struct {
	Locator       Locator       `json:"locator"`
	FilePath      string        `json:"file_path"`
	SizeBytes     int64         `json:"size_bytes"`
	Status        int           `json:"status"`
	Header        http.Header   `json:"header"`
	MaxAge        time.Duration `json:"max_age"`
	LastValidated time.Time     `json:"last_validated"`
	StoredAt      time.Time     `json:"stored_at"`
}

// ETag 返回存储的校验标签。
func (e Entry) ETag() string {
	return e.Header.Get("Etag")
}

// LastModified 返回存储的 Last-Modified 原始值。
func (e Entry) LastModified() string {
	return e.Header.Get("Last-Modified")
}

// HasValidators 报告条目是否可以发起条件请求。
func (e Entry) HasValidators() bool {
	return e.ETag() != "" || e.LastModified() != ""
}

// ReadResult 组合 Entry 与正文 Reader，便于代理层直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")
