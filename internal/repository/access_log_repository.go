package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/docvault-api/internal/models"
)

const accessLogColumns = `id, document_id, user_id, access_type, success, http_status_code, error_code, error_message,
response_time_ms, file_size_downloaded, ip_address, user_agent, request_id, session_id, accessed_at`

// AccessLogRepository appends and reads audit rows. There is deliberately no
// update or delete.
type AccessLogRepository struct {
	db *sqlx.DB
}

// NewAccessLogRepository constructs the repository.
func NewAccessLogRepository(db *sqlx.DB) *AccessLogRepository {
	return &AccessLogRepository{db: db}
}

// Create appends one audit row.
func (r *AccessLogRepository) Create(ctx context.Context, entry *models.AccessLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.AccessedAt.IsZero() {
		entry.AccessedAt = time.Now().UTC()
	}
	const query = `INSERT INTO access_logs (id, document_id, user_id, access_type, success, http_status_code, error_code, error_message,
response_time_ms, file_size_downloaded, ip_address, user_agent, request_id, session_id, accessed_at)
VALUES (:id, :document_id, :user_id, :access_type, :success, :http_status_code, :error_code, :error_message,
:response_time_ms, :file_size_downloaded, :ip_address, :user_agent, :request_id, :session_id, :accessed_at)`
	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("create access log: %w", err)
	}
	return nil
}

// List returns audit rows matching the filter, newest first.
func (r *AccessLogRepository) List(ctx context.Context, filter models.AccessLogFilter) ([]models.AccessLog, error) {
	conditions := make([]string, 0, 3)
	args := make([]interface{}, 0, 5)
	argPos := 1

	if filter.DocumentID != "" {
		conditions = append(conditions, fmt.Sprintf("document_id = $%d", argPos))
		args = append(args, filter.DocumentID)
		argPos++
	}
	if filter.UserID != "" {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", argPos))
		args = append(args, filter.UserID)
		argPos++
	}
	if filter.AccessType != "" {
		conditions = append(conditions, fmt.Sprintf("access_type = $%d", argPos))
		args = append(args, filter.AccessType)
		argPos++
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := fmt.Sprintf("SELECT %s FROM access_logs%s ORDER BY accessed_at DESC, id DESC LIMIT $%d OFFSET $%d",
		accessLogColumns, where, argPos, argPos+1)
	args = append(args, limit, filter.Offset)

	logs := make([]models.AccessLog, 0, limit)
	if err := r.db.SelectContext(ctx, &logs, query, args...); err != nil {
		return nil, fmt.Errorf("list access logs: %w", err)
	}
	return logs, nil
}

// CountByType aggregates audit volume per access type since the cutoff, for
// usage reporting.
func (r *AccessLogRepository) CountByType(ctx context.Context, since time.Time) (map[models.AccessType]int64, error) {
	const query = `SELECT access_type, COUNT(*) AS count FROM access_logs WHERE accessed_at >= $1 GROUP BY access_type`
	rows := []struct {
		AccessType models.AccessType `db:"access_type"`
		Count      int64             `db:"count"`
	}{}
	if err := r.db.SelectContext(ctx, &rows, query, since); err != nil {
		return nil, fmt.Errorf("count access logs: %w", err)
	}
	out := make(map[models.AccessType]int64, len(rows))
	for _, row := range rows {
		out[row.AccessType] = row.Count
	}
	return out, nil
}
