package hooks

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var registry sync.Map

// ErrDuplicateHook indicates a hook name is already registered.
var ErrDuplicateHook = errors.New("hook already registered")

// ErrUnknownHook indicates a configured hook name has no registration.
var ErrUnknownHook = errors.New("hook not registered")

// Register stores hooks under the given name.
func Register(name string, hooks Hooks) error {
	key := normalizeKey(name)
	if key == "" {
		return errors.New("hook name required")
	}
	if _, loaded := registry.LoadOrStore(key, hooks); loaded {
		return ErrDuplicateHook
	}
	return nil
}

// MustRegister panics on registration failure.
func MustRegister(name string, hooks Hooks) {
	if err := Register(name, hooks); err != nil {
		panic(err)
	}
}

// Fetch retrieves hooks registered under name.
func Fetch(name string) (Hooks, bool) {
	key := normalizeKey(name)
	if key == "" {
		return Hooks{}, false
	}
	if value, ok := registry.Load(key); ok {
		if hooks, ok := value.(Hooks); ok {
			return hooks, true
		}
	}
	return Hooks{}, false
}

// Status returns hook registration status for a name.
func Status(name string) string {
	if _, ok := Fetch(name); ok {
		return "registered"
	}
	return "missing"
}

// Snapshot returns status for a list of hook names.
func Snapshot(names []string) map[string]string {
	out := make(map[string]string, len(names))
	for _, name := range names {
		if normalized := normalizeKey(name); normalized != "" {
			out[normalized] = Status(normalized)
		}
	}
	return out
}

// Resolve 按 names 的顺序组装 Chain，任一名称未注册即返回错误。
func Resolve(names []string) (Chain, error) {
	chain := make(Chain, 0, len(names))
	for _, name := range names {
		h, ok := Fetch(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownHook, name)
		}
		chain = append(chain, h)
	}
	return chain, nil
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
