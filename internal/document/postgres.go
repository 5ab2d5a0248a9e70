package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/filebox/filebox/backend-go/internal/apperr"
	"github.com/filebox/filebox/backend-go/internal/ot"
)

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Load(ctx context.Context, itemID string) (*State, error) {
	st := &State{ItemID: itemID}
	err := r.pool.QueryRow(ctx, `
		SELECT version, content, log_start, last_modified
		FROM documents
		WHERE item_id = $1
	`, itemID).Scan(&st.Version, &st.Content, &st.LogStart, &st.LastModified)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("document.Load", "document %q not found", itemID)
		}
		return nil, fmt.Errorf("load document: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT operation
		FROM document_operations
		WHERE item_id = $1 AND version > $2
		ORDER BY version ASC
	`, itemID, st.LogStart)
	if err != nil {
		return nil, fmt.Errorf("load operations: %w", err)
	}
	defer rows.Close()

	st.Operations = make([]ot.Operation, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		var op ot.Operation
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, fmt.Errorf("decode operation: %w", err)
		}
		st.Operations = append(st.Operations, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return st, nil
}

func (r *PostgresRepository) Save(ctx context.Context, state *State) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO documents (item_id, version, content, log_start, last_modified)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (item_id) DO UPDATE
			SET version = EXCLUDED.version, content = EXCLUDED.content,
			    log_start = EXCLUDED.log_start, last_modified = EXCLUDED.last_modified
		`, state.ItemID, state.Version, state.Content, state.LogStart, state.LastModified)
		if err != nil {
			return fmt.Errorf("save document: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM document_operations WHERE item_id = $1`, state.ItemID); err != nil {
			return fmt.Errorf("clear operations: %w", err)
		}
		for i, op := range state.Operations {
			if err := insertOperation(ctx, tx, state.ItemID, state.LogStart+int64(i)+1, op); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *PostgresRepository) Append(ctx context.Context, state *State, op ot.Operation) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO documents (item_id, version, content, log_start, last_modified)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (item_id) DO UPDATE
			SET version = EXCLUDED.version, content = EXCLUDED.content,
			    log_start = EXCLUDED.log_start, last_modified = EXCLUDED.last_modified
			WHERE documents.version = EXCLUDED.version - 1
		`, state.ItemID, state.Version, state.Content, state.LogStart, state.LastModified)
		if err != nil {
			return fmt.Errorf("update document: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.Conflict("document.Append", "document %q changed concurrently", state.ItemID)
		}
		if err := insertOperation(ctx, tx, state.ItemID, state.Version, op); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM document_operations WHERE item_id = $1 AND version <= $2
		`, state.ItemID, state.LogStart); err != nil {
			return fmt.Errorf("trim operations: %w", err)
		}
		return nil
	})
}

func insertOperation(ctx context.Context, tx pgx.Tx, itemID string, version int64, op ot.Operation) error {
	raw, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO document_operations (item_id, version, operation)
		VALUES ($1, $2, $3)
	`, itemID, version, raw); err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}
