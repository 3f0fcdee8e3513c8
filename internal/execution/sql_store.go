package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"EmuHub/deploy/migrations"
	xerrors "EmuHub/internal/errors"
)

// SQLConfig 描述 link 存储使用的数据库。
type SQLConfig struct {
	// Driver 取值 mysql 或 sqlite。
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLStore 使用关系型数据库记录 link。MySQL 用于生产部署，SQLite 用于单机部署。
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore 打开数据库并初始化表结构。
func NewSQLStore(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := &SQLStore{db: db, driver: cfg.Driver}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func openDatabase(ctx context.Context, cfg SQLConfig) (*sql.DB, error) {
	switch cfg.Driver {
	case "mysql", "sqlite":
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的数据库驱动: "+cfg.Driver)
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库 DSN 不能为空")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接数据库失败")
	}
	if cfg.Driver == "sqlite" {
		// SQLite 只允许单写者，内存库在多连接下也不共享数据。
		db.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		} else {
			db.SetMaxOpenConns(20)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		} else {
			db.SetMaxIdleConns(10)
		}
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到数据库")
	}
	return db, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	list, err := migrations.Ordered()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移文件失败")
	}
	for _, m := range list {
		if _, err := s.db.ExecContext(ctx, m.SQL); err != nil && !isDuplicateIndex(err) {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行迁移失败: "+m.Name)
		}
	}
	return nil
}

// Save 插入新的 link 记录。
func (s *SQLStore) Save(ctx context.Context, link *Link) error {
	if err := validateLink(link); err != nil {
		return err
	}
	now := time.Now().Unix()
	if link.CreatedAt == 0 {
		link.CreatedAt = now
	}
	link.UpdatedAt = now

	payloads, err := marshalList(link.Payloads)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 payloads 失败")
	}
	cleanup, err := marshalList(link.Cleanup)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 cleanup 失败")
	}

	const stmt = `INSERT INTO links
        (id, ability_id, ability_name, executor, platform, command, payloads, cleanup, timeout_seconds, status, hook_failures, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		link.ID,
		link.AbilityID,
		link.AbilityName,
		link.Executor,
		link.Platform,
		link.Command,
		payloads,
		cleanup,
		link.Timeout,
		link.Status,
		link.HookFailures,
		link.CreatedAt,
		link.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrLinkConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入 link 失败")
	}
	return nil
}

const selectColumns = `SELECT id, ability_id, ability_name, executor, platform, command, payloads, cleanup,
        timeout_seconds, status, hook_failures, created_at, updated_at FROM links`

// Get 查询指定 link。
func (s *SQLStore) Get(ctx context.Context, id string) (*Link, error) {
	link, err := scanLink(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrLinkNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 link 失败")
	}
	return link, nil
}

// MarkCollected 将 link 标记为已领取，并返回最新记录。
func (s *SQLStore) MarkCollected(ctx context.Context, id string) (*Link, error) {
	return s.transition(ctx, id, StatusCollected)
}

// MarkFailed 将未能投递的 link 标记为失败。
func (s *SQLStore) MarkFailed(ctx context.Context, id string) (*Link, error) {
	return s.transition(ctx, id, StatusFailed)
}

func (s *SQLStore) transition(ctx context.Context, id string, to Status) (*Link, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE links SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now().Unix(), id, StatusQueued)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新 link 状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	link, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 {
		return link, ErrLinkConflict
	}
	return link, nil
}

// List 按创建时间倒序返回最近的 link。
func (s *SQLStore) List(ctx context.Context, limit int) ([]*Link, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY created_at DESC, id ASC LIMIT ?`, normalizeLimit(limit))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 link 列表失败")
	}
	defer rows.Close()

	var links []*Link
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 link 失败")
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 link 列表失败")
	}
	return links, nil
}

// Close 关闭数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLink(row rowScanner) (*Link, error) {
	var (
		link     Link
		payloads sql.NullString
		cleanup  sql.NullString
	)
	if err := row.Scan(
		&link.ID,
		&link.AbilityID,
		&link.AbilityName,
		&link.Executor,
		&link.Platform,
		&link.Command,
		&payloads,
		&cleanup,
		&link.Timeout,
		&link.Status,
		&link.HookFailures,
		&link.CreatedAt,
		&link.UpdatedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if link.Payloads, err = unmarshalList(payloads); err != nil {
		return nil, err
	}
	if link.Cleanup, err = unmarshalList(cleanup); err != nil {
		return nil, err
	}
	return &link, nil
}

func marshalList(values []string) (any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalList(value sql.NullString) ([]string, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(value.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isDuplicateIndex(err error) bool {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1061
	}
	return strings.Contains(err.Error(), "already exists")
}

var _ Store = (*SQLStore)(nil)
