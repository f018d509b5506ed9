// Package nvm is the non-volatile block store. Blocks are JSON documents
// keyed by a string id, kept in a SQLite database together with a CRC.
package nvm

import (
	"database/sql"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/mattn/go-sqlite3"
	"github.com/sugawarayuuta/sonnet"

	"github.com/LoveWonYoung/dcm/logrecorder"
)

var (
	ErrNoBlock = errors.New("nvm: block not found")
	ErrCorrupt = errors.New("nvm: block checksum mismatch")
)

const schema = `
CREATE TABLE IF NOT EXISTS blocks (
	id         TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	crc        INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`

const upsert = `
INSERT INTO blocks (id, data, crc, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET data = excluded.data, crc = excluded.crc, updated_at = excluded.updated_at`

// Store implements dcm.NvStore.
type Store struct {
	db       *sql.DB
	log      logrecorder.Logger
	attempts uint
	delay    time.Duration
}

type Option func(*Store)

func WithLogger(l logrecorder.Logger) Option { return func(s *Store) { s.log = l } }

// WithRetry 设置数据库忙时写入的重试次数和间隔
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(s *Store) {
		s.attempts = attempts
		s.delay = delay
	}
}

// Open 打开（必要时创建）path 处的数据库。path 为 ":memory:" 时使用内存数据库。
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{attempts: 5, delay: 20 * time.Millisecond}
	for _, o := range opts {
		o(s)
	}
	s.log = logrecorder.OrDiscard(s.log)

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=100")
	if err != nil {
		return nil, fmt.Errorf("nvm: open %s: %w", path, err)
	}
	// 单连接：内存数据库每个连接都是独立的库
	db.SetMaxOpenConns(1)
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("nvm: %s: %w", path, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("nvm: create schema: %w", err)
	}
	s.db = db
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// ReadBlock 读取块 id 并解码到 v
func (s *Store) ReadBlock(id string, v any) error {
	var (
		data []byte
		crc  int64
	)
	err := s.db.QueryRow("SELECT data, crc FROM blocks WHERE id = ?", id).Scan(&data, &crc)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNoBlock, id)
	}
	if err != nil {
		return fmt.Errorf("nvm: read %s: %w", id, err)
	}
	if uint32(crc) != crc32.ChecksumIEEE(data) {
		s.log.Warn("nvm: block %s: checksum mismatch", id)
		return fmt.Errorf("%w: %s", ErrCorrupt, id)
	}
	if err := sonnet.Unmarshal(data, v); err != nil {
		return fmt.Errorf("nvm: decode %s: %w", id, err)
	}
	return nil
}

// WriteBlock 编码 v 并写入块 id；数据库忙时重试
func (s *Store) WriteBlock(id string, v any) error {
	data, err := sonnet.Marshal(v)
	if err != nil {
		return fmt.Errorf("nvm: encode %s: %w", id, err)
	}
	crc := int64(crc32.ChecksumIEEE(data))
	err = retry.Do(func() error {
		_, err := s.db.Exec(upsert, id, data, crc, time.Now().UnixMilli())
		return err
	},
		retry.Attempts(s.attempts),
		retry.Delay(s.delay),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(isBusy),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.log.Debug("nvm: write %s: retry %d: %v", id, n+1, err)
		}),
	)
	if err != nil {
		return fmt.Errorf("nvm: write %s: %w", id, err)
	}
	return nil
}

// EraseBlock 删除块 id；块不存在时不报错
func (s *Store) EraseBlock(id string) error {
	if _, err := s.db.Exec("DELETE FROM blocks WHERE id = ?", id); err != nil {
		return fmt.Errorf("nvm: erase %s: %w", id, err)
	}
	return nil
}

// Blocks 返回所有块 id，按字典序
func (s *Store) Blocks() ([]string, error) {
	rows, err := s.db.Query("SELECT id FROM blocks ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("nvm: list: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}
