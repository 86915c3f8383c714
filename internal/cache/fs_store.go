package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一 Locator 并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// entryMeta 是 .meta.json 的内容。
type entryMeta struct {
	URL           string      `json:"url"`
	Status        int         `json:"status"`
	Header        http.Header `json:"header"`
	MaxAgeSeconds float64     `json:"max_age"`
	LastValidated time.Time   `json:"last_validated"`
	StoredAt      time.Time   `json:"stored_at"`
	SizeBytes     int64       `json:"size_bytes"`
}

func (s *fileStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	bodyPath, metaPath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	meta, err := readMeta(metaPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	f, err := os.Open(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	entry := meta.entry(locator, bodyPath)
	entry.SizeBytes = info.Size()
	return &ReadResult{
		Entry:  entry,
		Reader: f,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	unlock := s.lockEntry(locator)
	defer unlock()

	bodyPath, metaPath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(bodyPath), 0o755); err != nil {
		return nil, err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(bodyPath), ".cache-*")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	if err := os.Rename(tempName, bodyPath); err != nil {
		os.Remove(tempName)
		return nil, err
	}

	now := time.Now().UTC()
	validatedAt := opts.ValidatedAt
	if validatedAt.IsZero() {
		validatedAt = now
	}
	status := opts.Status
	if status == 0 {
		status = http.StatusOK
	}
	meta := entryMeta{
		URL:           locator.URL(),
		Status:        status,
		Header:        opts.Header.Clone(),
		MaxAgeSeconds: opts.MaxAge.Seconds(),
		LastValidated: validatedAt,
		StoredAt:      now,
		SizeBytes:     written,
	}
	if err := writeMeta(metaPath, meta); err != nil {
		os.Remove(bodyPath)
		return nil, err
	}

	entry := meta.entry(locator, bodyPath)
	return &entry, nil
}

func (s *fileStore) MarkValidated(ctx context.Context, locator Locator, opts ValidateOptions) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := s.lockEntry(locator)
	defer unlock()

	bodyPath, metaPath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}
	meta, err := readMeta(metaPath)
	if err != nil {
		return nil, err
	}

	at := opts.ValidatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if at.After(meta.LastValidated) {
		meta.LastValidated = at
	}
	if opts.MaxAge >= 0 {
		meta.MaxAgeSeconds = opts.MaxAge.Seconds()
	}
	if meta.Header == nil {
		meta.Header = http.Header{}
	}
	for _, key := range refreshedHeaders {
		if v := opts.Header.Values(key); len(v) > 0 {
			meta.Header[key] = append([]string(nil), v...)
		}
	}
	if err := writeMeta(metaPath, meta); err != nil {
		return nil, err
	}
	entry := meta.entry(locator, bodyPath)
	return &entry, nil
}

// refreshedHeaders 是 304 响应中会覆盖存储值的头。
var refreshedHeaders = []string{"Etag", "Last-Modified", "Cache-Control", "Expires", "Date"}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	unlock := s.lockEntry(locator)
	defer unlock()

	bodyPath, metaPath, err := s.entryPath(locator)
	if err != nil {
		return err
	}
	for _, p := range []string{metaPath, bodyPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *fileStore) lockEntry(locator Locator) func() {
	key := locator.URL()
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) entryPath(locator Locator) (string, string, error) {
	host := strings.ToLower(strings.TrimSpace(locator.Host))
	if host == "" {
		return "", "", errors.New("host required")
	}
	host = strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(host)
	if host == "." || host == ".." {
		return "", "", errors.New("invalid cache host")
	}

	sum := sha1.Sum([]byte(locator.URL()))
	name := hex.EncodeToString(sum[:])
	dir := filepath.Join(s.basePath, host, name[:2])
	return filepath.Join(dir, name+".body"), filepath.Join(dir, name+".meta.json"), nil
}

func (m entryMeta) entry(locator Locator, bodyPath string) Entry {
	header := m.Header
	if header == nil {
		header = http.Header{}
	}
	return Entry{
		Locator:       locator,
		FilePath:      bodyPath,
		SizeBytes:     m.SizeBytes,
		Status:        m.Status,
		Header:        header,
		MaxAge:        time.Duration(m.MaxAgeSeconds * float64(time.Second)),
		LastValidated: m.LastValidated,
		StoredAt:      m.StoredAt,
	}
}

func readMeta(path string) (entryMeta, error) {
	var meta entryMeta
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return meta, ErrNotFound
		}
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("decode cache meta: %w", err)
	}
	return meta, nil
}

func writeMeta(path string, meta entryMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	tempFile, err := os.CreateTemp(filepath.Dir(path), ".meta-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}
	if err := os.Rename(tempName, path); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
