package workspace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/mbd888/poisonguard/internal/dataset"
	"github.com/mbd888/poisonguard/internal/params"
)

// PostgresStore persists workspaces in PostgreSQL. Datasets and params are
// stored as JSONB in their wire form. The schema lives in migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed workspace store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, w *Workspace) error {
	txs, anchors, prm, err := encodeColumns(w)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, transactions, anchors, params, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		w.ID, w.Name, txs, anchors, prm, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("workspace %s already exists", w.ID)
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Workspace, error) {
	var (
		w                   Workspace
		txs, anchors, prmJS []byte
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, transactions, anchors, params, created_at, updated_at
		FROM workspaces WHERE id = $1`, id,
	).Scan(&w.ID, &w.Name, &txs, &anchors, &prmJS, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if w.Transactions, err = dataset.DecodeTransactions(txs); err != nil {
		return nil, fmt.Errorf("decode stored transactions: %w", err)
	}
	if w.Anchors, err = dataset.DecodeAnchors(anchors); err != nil {
		return nil, fmt.Errorf("decode stored anchors: %w", err)
	}
	if w.Params, err = params.Parse(prmJS); err != nil {
		return nil, fmt.Errorf("decode stored params: %w", err)
	}
	return &w, nil
}

func (p *PostgresStore) Update(ctx context.Context, w *Workspace) error {
	txs, anchors, prm, err := encodeColumns(w)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE workspaces SET name = $1, transactions = $2, anchors = $3, params = $4, updated_at = $5
		WHERE id = $6`,
		w.Name, txs, anchors, prm, w.UpdatedAt, w.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping reports whether the database is reachable.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func encodeColumns(w *Workspace) (txs, anchors, prm []byte, err error) {
	if txs, err = marshalArray(w.Transactions); err != nil {
		return nil, nil, nil, fmt.Errorf("encode transactions: %w", err)
	}
	if anchors, err = marshalArray(w.Anchors); err != nil {
		return nil, nil, nil, fmt.Errorf("encode anchors: %w", err)
	}
	if prm, err = json.Marshal(w.Params); err != nil {
		return nil, nil, nil, fmt.Errorf("encode params: %w", err)
	}
	return txs, anchors, prm, nil
}

// marshalArray encodes a nil slice as [] to satisfy the NOT NULL column.
func marshalArray[T any](items []T) ([]byte, error) {
	if items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(items)
}
