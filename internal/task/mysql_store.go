package task

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/run"
)

const (
	selectTasks = `SELECT id, session_id, user_id, tenant, request_text, trace_id, metadata, status, attempts, max_retries,
        last_error, error_code, plan_id, result, created_at, updated_at FROM task_states`

	insertTask = `INSERT INTO task_states
        (id, session_id, user_id, tenant, request_text, trace_id, metadata, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	claimTask = `UPDATE task_states SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`

	succeedTask = `UPDATE task_states SET status = ?, plan_id = ?, result = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ?`

	failTask = `UPDATE task_states SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`

	statsTasks = `SELECT COUNT(*),
        COALESCE(SUM(status = ?), 0), COALESCE(SUM(status = ?), 0),
        COALESCE(SUM(status = ?), 0), COALESCE(SUM(status = ?), 0),
        COALESCE(MIN(updated_at), 0), COALESCE(MAX(updated_at), 0)
        FROM task_states`

	// searchColumns 是 WithQuery 做模糊匹配的列。
	searchColumns = "id, session_id, user_id, request_text, trace_id, last_error, plan_id, result"

	errDuplicateEntry = 1062
)

// MySQLStore 把任务状态保存在 task_states 表，表结构由 deploy/migrations 管理。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 基于已完成迁移的连接池创建任务存储，Close 会关闭该连接池。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil || strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	metadata, err := encodeJSON(task.Metadata, len(task.Metadata) == 0)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 metadata 失败")
	}
	task.CreatedAt = s.now().Unix()
	task.UpdatedAt = task.CreatedAt

	_, err = s.db.ExecContext(ctx, insertTask,
		task.ID, task.SessionID, task.UserID, task.Tenant, task.RequestText, task.TraceID,
		metadata, task.Status, task.Attempts, task.MaxRetries, task.CreatedAt, task.UpdatedAt)
	var mysqlErr *mysql.MySQLError
	switch {
	case err == nil:
		return nil
	case stdErrors.As(err, &mysqlErr) && mysqlErr.Number == errDuplicateEntry:
		return ErrTaskConflict
	default:
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, selectTasks+" WHERE id = ?", id))
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

// Claim 以条件更新领取任务；未命中时重新读取任务判断原因。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	claimed, err := s.exec(ctx, "领取任务失败", claimTask, StatusRunning, s.now().Unix(), id, StatusPending, StatusFailed)
	if err != nil {
		return nil, err
	}
	task, err := s.Get(ctx, id)
	if err != nil || claimed {
		return task, err
	}
	return task, cmp.Or(task.claimError(), ErrTaskConflict)
}

// MarkSucceeded 将任务标记为成功并保存运行结果。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result run.Result) error {
	encoded, err := encodeJSON(result, false)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务结果失败")
	}
	return s.update(ctx, "标记任务成功失败", succeedTask, StatusSucceeded, result.PlanID, encoded, s.now().Unix(), id)
}

// MarkFailed 记录失败原因。非终止失败回到待执行状态。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	return s.update(ctx, "标记任务失败失败", failTask, status, lastError, string(code), s.now().Unix(), id)
}

// List 返回符合过滤条件的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.normalize()
	where, args := buildFilterClause(opts)

	query := selectTasks + where
	if opts.Order == SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	rows, err := s.db.QueryContext(ctx, query+" LIMIT ? OFFSET ?", append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.normalize()
	where, filterArgs := buildFilterClause(opts)
	args := append([]any{StatusPending, StatusRunning, StatusSucceeded, StatusFailed}, filterArgs...)

	var st TaskStats
	err := s.db.QueryRowContext(ctx, statsTasks+where, args...).Scan(
		&st.Total, &st.Pending, &st.Running, &st.Succeeded, &st.Failed, &st.OldestUpdatedAt, &st.NewestUpdatedAt)
	if err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	return st, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// exec 执行写语句并报告是否命中了行。
func (s *MySQLStore) exec(ctx context.Context, msg, stmt string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, msg)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, msg)
	}
	return n > 0, nil
}

func (s *MySQLStore) update(ctx context.Context, msg, stmt string, args ...any) error {
	hit, err := s.exec(ctx, msg, stmt, args...)
	if err == nil && !hit {
		return ErrTaskNotFound
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task                      Task
		metadata, result, lastErr sql.NullString
		planID                    string
	)
	err := row.Scan(&task.ID, &task.SessionID, &task.UserID, &task.Tenant, &task.RequestText, &task.TraceID,
		&metadata, &task.Status, &task.Attempts, &task.MaxRetries, &lastErr, &task.ErrorCode,
		&planID, &result, &task.CreatedAt, &task.UpdatedAt)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取任务记录失败")
	}
	task.LastError = lastErr.String
	if err := decodeJSON(metadata, &task.Metadata); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务 metadata 失败")
	}
	if err := decodeJSON(result, &task.Result); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务结果失败")
	}
	return &task, nil
}

// encodeJSON 把值编码为可空列；empty 为 true 时写入 NULL。
func encodeJSON(v any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeJSON[T any](raw sql.NullString, dst *T) error {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), dst)
}

// buildFilterClause 生成以 " WHERE " 开头的过滤条件，无过滤时返回空串。
func buildFilterClause(opts ListOptions) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, values ...any) {
		conds = append(conds, cond)
		args = append(args, values...)
	}

	if opts.Tenant != "" {
		add("tenant = ?", opts.Tenant)
	}
	if opts.SessionID != "" {
		add("session_id = ?", opts.SessionID)
	}
	if n := len(opts.Statuses); n > 0 {
		values := make([]any, n)
		for i, status := range opts.Statuses {
			values[i] = status
		}
		add("status IN ("+strings.TrimSuffix(strings.Repeat("?,", n), ",")+")", values...)
	}
	if opts.UpdatedGTE > 0 {
		add("updated_at >= ?", opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		add("updated_at <= ?", opts.UpdatedLTE)
	}
	switch {
	case opts.HasResult == nil:
	case *opts.HasResult:
		add("result IS NOT NULL")
	default:
		add("result IS NULL")
	}
	if opts.Query != "" {
		columns := strings.Split(searchColumns, ", ")
		likes := make([]string, len(columns))
		pattern := "%" + opts.Query + "%"
		values := make([]any, len(columns))
		for i, column := range columns {
			likes[i] = column + " LIKE ?"
			values[i] = pattern
		}
		add("("+strings.Join(likes, " OR ")+")", values...)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
