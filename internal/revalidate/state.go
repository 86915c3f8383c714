package revalidate

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// StateStore 持久化已进入索引的规则，使 first-write-wins 在重启后依然成立。
type StateStore interface {
	Load(ctx context.Context) ([]*Rule, error)
	Save(ctx context.Context, rules []*Rule) error
	Close() error
}

// SQLiteState 以 SQLite 表保存规则，pattern 为主键，重复写入被忽略。
type SQLiteState struct {
	db         *sql.DB
	writeMutex sync.Mutex
}

// OpenSQLiteState 打开（必要时创建）状态数据库。
func OpenSQLiteState(path string) (*SQLiteState, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	db.SetMaxOpenConns(1)

	stmts := []string{
		"PRAGMA journal_mode=WAL",
		`CREATE TABLE IF NOT EXISTS revalidate_rules (
			pattern TEXT PRIMARY KEY,
			force_stale_as_of INTEGER NOT NULL,
			loaded_at INTEGER NOT NULL,
			source TEXT NOT NULL,
			seq INTEGER NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS revalidate_rules_seq ON revalidate_rules (seq)",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init state db: %w", err)
		}
	}
	return &SQLiteState{db: db}, nil
}

// Load 按插入顺序读回全部规则。
func (s *SQLiteState) Load(ctx context.Context) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT pattern, force_stale_as_of, loaded_at, source FROM revalidate_rules ORDER BY seq ASC")
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		var (
			pattern  string
			asOf     int64
			loadedAt int64
			source   string
		)
		if err := rows.Scan(&pattern, &asOf, &loadedAt, &source); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rule, err := NewRule(pattern, time.Unix(0, asOf), time.Unix(0, loadedAt), source)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return rules, nil
}

// Save 追加规则；已存在的 pattern 保持首次写入的值。
func (s *SQLiteState) Save(ctx context.Context, rules []*Rule) error {
	if len(rules) == 0 {
		return nil
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM revalidate_rules").Scan(&seq); err != nil {
		tx.Rollback()
		return fmt.Errorf("read seq: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO revalidate_rules (pattern, force_stale_as_of, loaded_at, source, seq) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()
	for _, rule := range rules {
		seq++
		if _, err := stmt.ExecContext(ctx, rule.Pattern, rule.ForceStaleAsOf.UnixNano(), rule.LoadedAt.UnixNano(), rule.Source, seq); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert %q: %w", rule.Pattern, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteState) Close() error {
	return s.db.Close()
}
