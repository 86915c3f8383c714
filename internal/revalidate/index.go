package revalidate

import (
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"
)

// Rule 是一条重新验证规则。除触发计数外，插入后的字段不可变。
type Rule struct {
	Pattern        string
	ForceStaleAsOf time.Time
	// LoadedAt 为规则首次进入索引（或首次被解析）的时间。
	LoadedAt time.Time
	Source   string

	re    *regexp.Regexp
	fired *atomic.Uint64
}

// NewRule 编译 pattern 并创建规则。
func NewRule(pattern string, forceStaleAsOf, loadedAt time.Time, source string) (*Rule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	return &Rule{
		Pattern:        pattern,
		ForceStaleAsOf: forceStaleAsOf,
		LoadedAt:       loadedAt,
		Source:         source,
		re:             re,
		fired:          new(atomic.Uint64),
	}, nil
}

// Match 判断 url 是否匹配规则（非锚定匹配）。
func (r *Rule) Match(url string) bool {
	return r != nil && r.re != nil && r.re.MatchString(url)
}

// MarkFired 在规则使某个缓存条目变为 stale 时调用。
func (r *Rule) MarkFired() {
	if r != nil && r.fired != nil {
		r.fired.Add(1)
	}
}

func (r *Rule) Fired() uint64 {
	if r == nil || r.fired == nil {
		return 0
	}
	return r.fired.Load()
}

// RuleInfo 是规则的可序列化视图。
type RuleInfo struct {
	Pattern        string    `json:"pattern"`
	ForceStaleAsOf time.Time `json:"force_stale_as_of"`
	LoadedAt       time.Time `json:"loaded_at"`
	Source         string    `json:"source"`
	Fired          uint64    `json:"fired"`
}

func (r *Rule) Info() RuleInfo {
	return RuleInfo{
		Pattern:        r.Pattern,
		ForceStaleAsOf: r.ForceStaleAsOf,
		LoadedAt:       r.LoadedAt,
		Source:         r.Source,
		Fired:          r.Fired(),
	}
}

type snapshot struct {
	version   uint64
	rules     []*Rule
	byPattern map[string]*Rule
}

var emptySnapshot = &snapshot{byPattern: map[string]*Rule{}}

// Index 保存按插入顺序排列的规则集合。读取方无锁访问当前快照，写入方
// 通过 mu 串行化并以 copy-on-write 方式安装新快照。
type Index struct {
	mu      sync.Mutex
	current atomic.Pointer[snapshot]
}

func NewIndex() *Index {
	ix := &Index{}
	ix.current.Store(emptySnapshot)
	return ix
}

func (ix *Index) load() *snapshot {
	if s := ix.current.Load(); s != nil {
		return s
	}
	return emptySnapshot
}

// Lookup 返回插入顺序中第一个匹配 url 的规则。
func (ix *Index) Lookup(url string) (*Rule, bool) {
	for _, rule := range ix.load().rules {
		if rule.Match(url) {
			return rule, true
		}
	}
	return nil, false
}

// Get 按 pattern 精确查找规则。
func (ix *Index) Get(pattern string) (*Rule, bool) {
	rule, ok := ix.load().byPattern[pattern]
	return rule, ok
}

// Merge 插入尚不存在的 pattern，已存在的 pattern 保持原样。返回本次新插入的规则。
func (ix *Index) Merge(rules []*Rule) []*Rule {
	if len(rules) == 0 {
		return nil
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	cur := ix.load()
	var inserted []*Rule
	for _, rule := range rules {
		if rule == nil {
			continue
		}
		if _, exists := cur.byPattern[rule.Pattern]; exists {
			continue
		}
		if inserted == nil {
			inserted = make([]*Rule, 0, len(rules))
		}
		dup := false
		for _, r := range inserted {
			if r.Pattern == rule.Pattern {
				dup = true
				break
			}
		}
		if !dup {
			inserted = append(inserted, rule)
		}
	}
	if len(inserted) == 0 {
		return nil
	}

	next := &snapshot{
		version:   cur.version + 1,
		rules:     make([]*Rule, 0, len(cur.rules)+len(inserted)),
		byPattern: make(map[string]*Rule, len(cur.byPattern)+len(inserted)),
	}
	next.rules = append(next.rules, cur.rules...)
	next.rules = append(next.rules, inserted...)
	for pattern, rule := range cur.byPattern {
		next.byPattern[pattern] = rule
	}
	for _, rule := range inserted {
		next.byPattern[rule.Pattern] = rule
	}
	ix.current.Store(next)
	return inserted
}

// Rules 返回当前快照中的全部规则（插入顺序）。
func (ix *Index) Rules() []*Rule {
	rules := ix.load().rules
	out := make([]*Rule, len(rules))
	copy(out, rules)
	return out
}

func (ix *Index) Len() int {
	return len(ix.load().rules)
}

// Version 在每次有新规则插入时递增。
func (ix *Index) Version() uint64 {
	return ix.load().version
}
