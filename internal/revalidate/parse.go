package revalidate

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// ConfigError 汇总规则文件中的全部错误行；出现 ConfigError 时整次重载被拒绝。
type ConfigError struct {
	Source string
	Errs   []error
}

func (e *ConfigError) Error() string {
	if len(e.Errs) == 1 {
		return fmt.Sprintf("revalidate config %s: %v", e.Source, e.Errs[0])
	}
	return fmt.Sprintf("revalidate config %s: %d invalid lines: %v", e.Source, len(e.Errs), multierr.Combine(e.Errs...))
}

func (e *ConfigError) Unwrap() []error { return e.Errs }

// Messages 返回逐行错误文本，供诊断接口输出。
func (e *ConfigError) Messages() []string {
	out := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		out = append(out, err.Error())
	}
	return out
}

// LineError 描述单个错误行。
type LineError struct {
	Line   int
	Text   string
	Reason string
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %s (%q)", e.Line, e.Reason, e.Text)
}

// ParseRules 解析 `<pattern> <unix-timestamp>` 格式的规则，忽略空行与 # 注释。
// forceStaleAsOf 取 min(timestamp, now)：未来时间戳表示从加载时刻起生效。
// 同一输入中重复的 pattern 以第一次出现为准。
func ParseRules(r io.Reader, source string, now time.Time) ([]*Rule, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	var (
		rules []*Rule
		errs  error
		seen  = make(map[string]struct{})
		line  int
	)
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			errs = multierr.Append(errs, &LineError{Line: line, Text: text, Reason: "expected <pattern> <unix-timestamp>"})
			continue
		}
		ts, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || ts <= 0 {
			errs = multierr.Append(errs, &LineError{Line: line, Text: text, Reason: "timestamp must be a positive unix time"})
			continue
		}
		asOf := time.Unix(ts, 0)
		if asOf.After(now) {
			asOf = now
		}
		rule, err := NewRule(fields[0], asOf, now, source)
		if err != nil {
			errs = multierr.Append(errs, &LineError{Line: line, Text: text, Reason: err.Error()})
			continue
		}
		if _, dup := seen[rule.Pattern]; dup {
			continue
		}
		seen[rule.Pattern] = struct{}{}
		rules = append(rules, rule)
	}
	if err := scanner.Err(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("read: %w", err))
	}
	if errs != nil {
		return nil, &ConfigError{Source: source, Errs: multierr.Errors(errs)}
	}
	return rules, nil
}

// ParseFile 读取并解析规则文件。
func ParseFile(path string, now time.Time) ([]*Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ConfigError{Source: path, Errs: []error{err}}
	}
	defer f.Close()
	return ParseRules(f, path, now)
}
