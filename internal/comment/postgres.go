package comment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const commentColumns = `id, item_id, user_id, content, start_line, start_column, end_line, end_column, COALESCE(quoted_text, ''), resolved_at, created_at, updated_at`

func scanComment(row pgx.Row) (*Comment, error) {
	c := &Comment{}
	err := row.Scan(
		&c.ID,
		&c.ItemID,
		&c.UserID,
		&c.Content,
		&c.Anchor.StartLine,
		&c.Anchor.StartColumn,
		&c.Anchor.EndLine,
		&c.Anchor.EndColumn,
		&c.Anchor.QuotedText,
		&c.ResolvedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Replies = make([]Reply, 0)
	return c, nil
}

func (r *PostgresRepository) Create(ctx context.Context, c *Comment) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO comments (id, item_id, user_id, content, start_line, start_column, end_line, end_column, quoted_text, resolved_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12)
	`, c.ID, c.ItemID, c.UserID, c.Content,
		c.Anchor.StartLine, c.Anchor.StartColumn, c.Anchor.EndLine, c.Anchor.EndColumn, c.Anchor.QuotedText,
		c.ResolvedAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Comment, error) {
	c, err := scanComment(r.pool.QueryRow(ctx, `SELECT `+commentColumns+` FROM comments WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("comment.Get", id)
		}
		return nil, fmt.Errorf("get comment: %w", err)
	}

	replies, err := r.replies(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if rs, ok := replies[id]; ok {
		c.Replies = rs
	}
	return c, nil
}

func (r *PostgresRepository) replies(ctx context.Context, commentIDs []string) (map[string][]Reply, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT comment_id, id, user_id, content, created_at
		FROM comment_replies
		WHERE comment_id = ANY($1)
		ORDER BY created_at ASC, id ASC
	`, commentIDs)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]Reply)
	for rows.Next() {
		var commentID string
		var reply Reply
		if err := rows.Scan(&commentID, &reply.ID, &reply.UserID, &reply.Content, &reply.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		out[commentID] = append(out[commentID], reply)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replies: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) AppendReply(ctx context.Context, commentID string, reply Reply) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE comments SET updated_at = $2 WHERE id = $1`, commentID, reply.CreatedAt)
		if err != nil {
			return fmt.Errorf("touch comment: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return notFound("comment.AppendReply", commentID)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO comment_replies (id, comment_id, user_id, content, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, reply.ID, commentID, reply.UserID, reply.Content, reply.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert reply: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) Resolve(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE comments SET resolved_at = $2, updated_at = $2
		WHERE id = $1 AND resolved_at IS NULL
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("resolve comment: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	return false, r.exists(ctx, "comment.Resolve", id)
}

func (r *PostgresRepository) Reopen(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE comments SET resolved_at = NULL, updated_at = $2
		WHERE id = $1 AND resolved_at IS NOT NULL
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("reopen comment: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	return false, r.exists(ctx, "comment.Reopen", id)
}

func (r *PostgresRepository) exists(ctx context.Context, op, id string) error {
	var found bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM comments WHERE id = $1)`, id).Scan(&found); err != nil {
		return fmt.Errorf("lookup comment: %w", err)
	}
	if !found {
		return notFound(op, id)
	}
	return nil
}

func (r *PostgresRepository) ListByItem(ctx context.Context, itemID string) ([]*Comment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE item_id = $1
		ORDER BY created_at ASC, id ASC
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]*Comment, 0)
	ids := make([]string, 0)
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, c)
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	if len(ids) == 0 {
		return items, nil
	}

	replies, err := r.replies(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, c := range items {
		if rs, ok := replies[c.ID]; ok {
			c.Replies = rs
		}
	}
	return items, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM comments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("comment.Delete", id)
	}
	return nil
}
