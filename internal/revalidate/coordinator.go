package revalidate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const defaultDebounce = 200 * time.Millisecond

// Options 配置 Coordinator。
type Options struct {
	// Path 为规则文件路径，为空时 Reload 不做任何事。
	Path   string
	State  StateStore
	Logger *logrus.Logger
	Now    func() time.Time
	// Debounce 合并短时间内的多次文件变更事件。
	Debounce time.Duration
}

// ReloadResult 描述一次重载的结果。
type ReloadResult struct {
	Source   string    `json:"source"`
	Parsed   int       `json:"parsed"`
	Inserted int       `json:"inserted"`
	Total    int       `json:"total"`
	Version  uint64    `json:"version"`
	At       time.Time `json:"at"`
}

// Coordinator 串行化规则重载：解析文件、合并进索引、持久化新插入的规则。
// 解析失败时索引保持不变，进行中的事务不受影响。
type Coordinator struct {
	index *Index
	opts  Options

	mu   sync.Mutex
	last ReloadResult
}

func NewCoordinator(index *Index, opts Options) *Coordinator {
	if index == nil {
		index = NewIndex()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	return &Coordinator{index: index, opts: opts}
}

func (c *Coordinator) Index() *Index {
	return c.index
}

// Restore 在启动时从状态库恢复规则，必须先于首次 Reload 调用。
func (c *Coordinator) Restore(ctx context.Context) (int, error) {
	if c.opts.State == nil {
		return 0, nil
	}
	rules, err := c.opts.State.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore revalidate state: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	inserted := c.index.Merge(rules)
	c.logEntry("revalidate_restore").WithFields(logrus.Fields{
		"restored": len(inserted),
		"total":    c.index.Len(),
	}).Info("revalidate_state_restored")
	return len(inserted), nil
}

// Reload 重新读取规则文件并合并。返回 *ConfigError 时索引未被修改。
func (c *Coordinator) Reload(ctx context.Context) (ReloadResult, error) {
	if c.opts.Path == "" {
		return ReloadResult{Total: c.index.Len(), Version: c.index.Version(), At: c.opts.Now()}, nil
	}
	rules, err := ParseFile(c.opts.Path, c.opts.Now())
	if err != nil {
		c.logEntry("revalidate_reload").WithError(err).Warn("revalidate_reload_rejected")
		return ReloadResult{}, err
	}
	return c.Apply(ctx, rules, c.opts.Path), nil
}

// Apply 合并已解析的规则并持久化新插入的部分。持久化失败只记录日志。
func (c *Coordinator) Apply(ctx context.Context, rules []*Rule, source string) ReloadResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	inserted := c.index.Merge(rules)
	if c.opts.State != nil && len(inserted) > 0 {
		if err := c.opts.State.Save(ctx, inserted); err != nil {
			c.logEntry("revalidate_reload").WithError(err).Warn("revalidate_state_save_failed")
		}
	}
	result := ReloadResult{
		Source:   source,
		Parsed:   len(rules),
		Inserted: len(inserted),
		Total:    c.index.Len(),
		Version:  c.index.Version(),
		At:       c.opts.Now(),
	}
	c.last = result
	c.logEntry("revalidate_reload").WithFields(logrus.Fields{
		"source":   source,
		"parsed":   result.Parsed,
		"inserted": result.Inserted,
		"total":    result.Total,
	}).Info("revalidate_reload_applied")
	return result
}

// LastResult 返回最近一次成功合并的结果。
func (c *Coordinator) LastResult() ReloadResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Watch 监听规则文件所在目录，文件被写入、创建或替换后触发 Reload，直到 ctx 结束。
func (c *Coordinator) Watch(ctx context.Context) error {
	if c.opts.Path == "" {
		return errors.New("revalidate watch requires a rule file path")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(c.opts.Path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	var (
		debounce *time.Timer
		fire     <-chan time.Time
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(c.opts.Debounce)
			} else {
				debounce.Reset(c.opts.Debounce)
			}
			fire = debounce.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logEntry("revalidate_watch").WithError(err).Warn("revalidate_watch_error")
		case <-fire:
			fire = nil
			_, _ = c.Reload(ctx)
		}
	}
}

func (c *Coordinator) logEntry(action string) *logrus.Entry {
	logger := c.opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithField("action", action)
}
