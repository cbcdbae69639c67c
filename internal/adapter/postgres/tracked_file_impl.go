package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/portal-ingest/internal/entity"
	"github.com/user/portal-ingest/internal/repository"
)

const uniqueViolation = "23505"

const trackedFileColumns = `id, file_url, file_name, file_path, file_type, category, legislative_period,
	sub_series, session, number, content_hash, file_size, status, schema_issues,
	processing_started_at, processing_completed_at, error_message, records_imported,
	recrawl_count, error_count, retry_at, last_modified, content_length, entity_tag,
	source_page_url, anchor_text, url_pattern, created_at, updated_at`

// TrackedFileRepoImpl is the PostgreSQL Status Store.
type TrackedFileRepoImpl struct {
	db *pgxpool.Pool
}

// NewTrackedFileRepo creates a new instance of TrackedFileRepoImpl.
func NewTrackedFileRepo(db *pgxpool.Pool) *TrackedFileRepoImpl {
	return &TrackedFileRepoImpl{db: db}
}

var _ repository.TrackedFileRepository = (*TrackedFileRepoImpl)(nil)

// UpsertDiscovered inserts the URL as discovered, or overwrites classification and recovery
// metadata of the existing row. The status column is never touched on conflict.
func (r *TrackedFileRepoImpl) UpsertDiscovered(ctx context.Context, d *entity.DiscoveredFile) (*entity.TrackedFile, entity.UpsertOutcome, error) {
	query := `
		INSERT INTO tracked_files (file_url, file_name, file_type, category, legislative_period,
			sub_series, session, number, source_page_url, anchor_text, url_pattern, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'discovered')
		ON CONFLICT (file_url) DO UPDATE SET
			file_name = EXCLUDED.file_name,
			file_type = EXCLUDED.file_type,
			category = EXCLUDED.category,
			legislative_period = EXCLUDED.legislative_period,
			sub_series = EXCLUDED.sub_series,
			session = EXCLUDED.session,
			number = EXCLUDED.number,
			source_page_url = EXCLUDED.source_page_url,
			anchor_text = EXCLUDED.anchor_text,
			url_pattern = EXCLUDED.url_pattern,
			updated_at = NOW()
		RETURNING ` + trackedFileColumns + `, (xmax = 0) AS inserted;`

	var inserted bool
	f, err := scanTrackedFile(r.db.QueryRow(ctx, query,
		d.FileURL,
		d.FileName,
		string(d.FileType),
		d.Category,
		d.LegislativePeriod,
		d.SubSeries,
		d.Session,
		d.Number,
		d.SourcePageURL,
		d.AnchorText,
		d.URLPattern,
	), &inserted)
	if err != nil {
		return nil, 0, fmt.Errorf("upsert discovered %s: %w", d.FileURL, err)
	}
	if inserted {
		return f, entity.UpsertInserted, nil
	}
	return f, entity.UpsertRefreshed, nil
}

// ClaimBatch moves due records with row locks skipped, so concurrent workers never share a record.
func (r *TrackedFileRepoImpl) ClaimBatch(ctx context.Context, req entity.ClaimRequest) ([]*entity.TrackedFile, error) {
	if req.Manual {
		if err := entity.ValidateManualTransition(req.From, req.To); err != nil {
			return nil, err
		}
	} else if err := entity.ValidateTransition(req.From, req.To); err != nil {
		return nil, err
	}
	if req.Limit <= 0 {
		return nil, nil
	}

	args := []any{string(req.From), string(req.To), req.Limit}
	conds := []string{"status = $1", "(retry_at IS NULL OR retry_at <= NOW())"}
	if len(req.Categories) > 0 {
		args = append(args, req.Categories)
		conds = append(conds, fmt.Sprintf("category = ANY($%d)", len(args)))
	}
	if len(req.FileTypes) > 0 {
		args = append(args, fileTypeStrings(req.FileTypes))
		conds = append(conds, fmt.Sprintf("file_type = ANY($%d)", len(args)))
	}

	query := `
		UPDATE tracked_files
		SET status = $2, processing_started_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM tracked_files
			WHERE ` + strings.Join(conds, " AND ") + `
			ORDER BY id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		) AND status = $1
		RETURNING ` + trackedFileColumns + `;`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("claim %s -> %s: %w", req.From, req.To, err)
	}
	files, err := collectTrackedFiles(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ID < files[j].ID })
	return files, nil
}

func (r *TrackedFileRepoImpl) Transition(ctx context.Context, id int64, from, to entity.Status, apply repository.Mutation) (*entity.TrackedFile, error) {
	if err := entity.ValidateTransition(from, to); err != nil {
		return nil, err
	}
	return r.swap(ctx, id, from, to, apply)
}

func (r *TrackedFileRepoImpl) ManualTransition(ctx context.Context, id int64, from, to entity.Status, apply repository.Mutation) (*entity.TrackedFile, error) {
	if err := entity.ValidateManualTransition(from, to); err != nil {
		return nil, err
	}
	return r.swap(ctx, id, from, to, apply)
}

func (r *TrackedFileRepoImpl) Update(ctx context.Context, id int64, status entity.Status, apply repository.Mutation) (*entity.TrackedFile, error) {
	return r.swap(ctx, id, status, status, apply)
}

// swap reads the row under lock, applies the mutation, and writes it back guarded by the
// expected status.
func (r *TrackedFileRepoImpl) swap(ctx context.Context, id int64, from, to entity.Status, apply repository.Mutation) (*entity.TrackedFile, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	cur, err := scanTrackedFile(tx.QueryRow(ctx,
		`SELECT `+trackedFileColumns+` FROM tracked_files WHERE id = $1 FOR UPDATE;`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entity.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load tracked file %d: %w", id, err)
	}
	if cur.Status != from {
		return nil, &entity.StaleStateError{ID: id, Expected: from, Actual: cur.Status}
	}

	next := cur.Clone()
	if apply != nil {
		apply(next)
	}
	issues, err := marshalIssues(next.SchemaIssues)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE tracked_files SET
			status = $3,
			file_url = $4,
			file_path = $5,
			content_hash = $6,
			file_size = $7,
			schema_issues = $8,
			processing_started_at = $9,
			processing_completed_at = $10,
			error_message = $11,
			records_imported = $12,
			recrawl_count = $13,
			error_count = $14,
			retry_at = $15,
			last_modified = $16,
			content_length = $17,
			entity_tag = $18,
			file_name = $19,
			file_type = $20,
			sub_series = $21,
			session = $22,
			number = $23,
			url_pattern = $24,
			anchor_text = $25,
			updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING ` + trackedFileColumns + `;`

	updated, err := scanTrackedFile(tx.QueryRow(ctx, query,
		id,
		string(from),
		string(to),
		next.FileURL,
		next.FilePath,
		next.ContentHash,
		next.FileSize,
		issues,
		next.ProcessingStartedAt,
		next.ProcessingCompletedAt,
		next.ErrorMessage,
		next.RecordsImported,
		next.RecrawlCount,
		next.ErrorCount,
		next.RetryAt,
		next.LastModified,
		next.ContentLength,
		next.EntityTag,
		next.FileName,
		string(next.FileType),
		next.SubSeries,
		next.Session,
		next.Number,
		next.URLPattern,
		next.AnchorText,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &entity.StaleStateError{ID: id, Expected: from}
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, entity.ErrDuplicateURL
		}
		return nil, fmt.Errorf("update tracked file %d: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *TrackedFileRepoImpl) Get(ctx context.Context, id int64) (*entity.TrackedFile, error) {
	f, err := scanTrackedFile(r.db.QueryRow(ctx,
		`SELECT `+trackedFileColumns+` FROM tracked_files WHERE id = $1;`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entity.ErrNotFound
	}
	return f, err
}

func (r *TrackedFileRepoImpl) GetByURL(ctx context.Context, fileURL string) (*entity.TrackedFile, error) {
	f, err := scanTrackedFile(r.db.QueryRow(ctx,
		`SELECT `+trackedFileColumns+` FROM tracked_files WHERE file_url = $1;`, fileURL))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entity.ErrNotFound
	}
	return f, err
}

func (r *TrackedFileRepoImpl) Query(ctx context.Context, filter entity.FileFilter) ([]*entity.TrackedFile, error) {
	where, args := buildWhere(filter)
	query := `SELECT ` + trackedFileColumns + ` FROM tracked_files` + where + ` ORDER BY id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectTrackedFiles(rows)
}

func (r *TrackedFileRepoImpl) Stats(ctx context.Context, filter entity.FileFilter) ([]entity.StatusCount, error) {
	where, args := buildWhere(filter)
	rows, err := r.db.Query(ctx,
		`SELECT category, status, COUNT(*) FROM tracked_files`+where+
			` GROUP BY category, status ORDER BY category, status;`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entity.StatusCount
	for rows.Next() {
		var c entity.StatusCount
		var status string
		if err := rows.Scan(&c.Category, &status, &c.Count); err != nil {
			return nil, err
		}
		c.Status = entity.Status(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *TrackedFileRepoImpl) CountNonTerminal(ctx context.Context, category string) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM tracked_files WHERE category = $1 AND status = ANY($2);`,
		category, statusStrings(entity.NonTerminalStatuses()),
	).Scan(&n)
	return n, err
}

func (r *TrackedFileRepoImpl) ReleaseStale(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE tracked_files SET
			status = CASE status WHEN 'downloading' THEN 'discovered' ELSE 'pending' END,
			processing_started_at = NULL,
			updated_at = NOW()
		WHERE status IN ('downloading', 'processing') AND processing_started_at < $1;`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *TrackedFileRepoImpl) Reset(ctx context.Context, filter entity.FileFilter) (int64, error) {
	where, args := buildWhere(filter)
	tag, err := r.db.Exec(ctx, `
		UPDATE tracked_files SET
			status = 'discovered',
			file_path = '',
			content_hash = '',
			file_size = NULL,
			schema_issues = NULL,
			processing_started_at = NULL,
			processing_completed_at = NULL,
			error_message = '',
			records_imported = NULL,
			recrawl_count = 0,
			error_count = 0,
			retry_at = NULL,
			last_modified = NULL,
			content_length = NULL,
			entity_tag = '',
			updated_at = NOW()`+where+`;`, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func buildWhere(filter entity.FileFilter) (string, []any) {
	var conds []string
	var args []any
	if len(filter.Statuses) > 0 {
		args = append(args, statusStrings(filter.Statuses))
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if len(filter.Categories) > 0 {
		args = append(args, filter.Categories)
		conds = append(conds, fmt.Sprintf("category = ANY($%d)", len(args)))
	}
	if len(filter.LegislativePeriods) > 0 {
		args = append(args, filter.LegislativePeriods)
		conds = append(conds, fmt.Sprintf("legislative_period = ANY($%d)", len(args)))
	}
	if len(filter.FileTypes) > 0 {
		args = append(args, fileTypeStrings(filter.FileTypes))
		conds = append(conds, fmt.Sprintf("file_type = ANY($%d)", len(args)))
	}
	if filter.SourcePageURL != "" {
		args = append(args, filter.SourcePageURL)
		conds = append(conds, fmt.Sprintf("source_page_url = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanTrackedFile(row pgx.Row, extra ...any) (*entity.TrackedFile, error) {
	var f entity.TrackedFile
	var fileType, status string
	var issues []byte
	dest := []any{
		&f.ID,
		&f.FileURL,
		&f.FileName,
		&f.FilePath,
		&fileType,
		&f.Category,
		&f.LegislativePeriod,
		&f.SubSeries,
		&f.Session,
		&f.Number,
		&f.ContentHash,
		&f.FileSize,
		&status,
		&issues,
		&f.ProcessingStartedAt,
		&f.ProcessingCompletedAt,
		&f.ErrorMessage,
		&f.RecordsImported,
		&f.RecrawlCount,
		&f.ErrorCount,
		&f.RetryAt,
		&f.LastModified,
		&f.ContentLength,
		&f.EntityTag,
		&f.SourcePageURL,
		&f.AnchorText,
		&f.URLPattern,
		&f.CreatedAt,
		&f.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	f.FileType = entity.FileType(fileType)
	f.Status = entity.Status(status)
	if len(issues) > 0 {
		if err := json.Unmarshal(issues, &f.SchemaIssues); err != nil {
			return nil, fmt.Errorf("decode schema issues of %d: %w", f.ID, err)
		}
	}
	return &f, nil
}

func collectTrackedFiles(rows pgx.Rows) ([]*entity.TrackedFile, error) {
	defer rows.Close()
	var files []*entity.TrackedFile
	for rows.Next() {
		f, err := scanTrackedFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func marshalIssues(issues []entity.SchemaIssue) ([]byte, error) {
	if len(issues) == 0 {
		return nil, nil
	}
	return json.Marshal(issues)
}

func statusStrings(statuses []entity.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func fileTypeStrings(types []entity.FileType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
