package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vultisig/multisigner/internal/types"
)

const creationRequestColumns = `id, owner_id, config, state, address, public_key, master_key, blackhole_tx_hash,
	blackhole_ledger_index, wallet_id, error_message, failed_from, attempts, created_at, updated_at`

func scanCreationRequest(row scanner) (types.CreationRequest, error) {
	var (
		r         types.CreationRequest
		config    []byte
		masterKey *string
	)
	err := row.Scan(
		&r.ID,
		&r.OwnerID,
		&config,
		&r.State,
		&r.Address,
		&r.PublicKey,
		&masterKey,
		&r.BlackholeTxHash,
		&r.BlackholeLedgerIndex,
		&r.WalletID,
		&r.ErrorMessage,
		&r.FailedFrom,
		&r.Attempts,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return types.CreationRequest{}, err
	}
	if masterKey != nil {
		r.MasterKey = *masterKey
	}
	if err := json.Unmarshal(config, &r.Config); err != nil {
		return types.CreationRequest{}, fmt.Errorf("failed to unmarshal creation config: %w", err)
	}
	return r, nil
}

func (p *PostgresBackend) CreateCreationRequest(ctx context.Context, req types.CreationRequest) (types.CreationRequest, error) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	config, err := json.Marshal(req.Config)
	if err != nil {
		return types.CreationRequest{}, fmt.Errorf("failed to marshal creation config: %w", err)
	}
	query := `INSERT INTO creation_requests (id, owner_id, config, state, error_message, failed_from)
	VALUES ($1, $2, $3, $4, $5, $6)
	RETURNING ` + creationRequestColumns

	created, err := scanCreationRequest(p.pool.QueryRow(ctx, query,
		req.ID, req.OwnerID, string(config), req.State, req.ErrorMessage, req.FailedFrom))
	if err != nil {
		return types.CreationRequest{}, fmt.Errorf("failed to insert creation request: %w", err)
	}
	return created, nil
}

func (p *PostgresBackend) GetCreationRequest(ctx context.Context, id uuid.UUID) (types.CreationRequest, error) {
	r, err := scanCreationRequest(p.pool.QueryRow(ctx, `SELECT `+creationRequestColumns+` FROM creation_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.CreationRequest{}, fmt.Errorf("%w: %s", types.ErrCreationRequestNotFound, id)
		}
		return types.CreationRequest{}, err
	}
	return r, nil
}

func (p *PostgresBackend) queryCreationRequests(ctx context.Context, query string, args ...any) ([]types.CreationRequest, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.CreationRequest
	for rows.Next() {
		r, err := scanCreationRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) ListCreationRequests(ctx context.Context, ownerID string) ([]types.CreationRequest, error) {
	return p.queryCreationRequests(ctx, `SELECT `+creationRequestColumns+` FROM creation_requests
	WHERE $1 = '' OR owner_id = $1
	ORDER BY created_at`, ownerID)
}

func (p *PostgresBackend) ListStaleCreationRequests(ctx context.Context, updatedBefore time.Time) ([]types.CreationRequest, error) {
	return p.queryCreationRequests(ctx, `SELECT `+creationRequestColumns+` FROM creation_requests
	WHERE state NOT IN ($1, $2) AND updated_at < $3
	ORDER BY updated_at`, types.CreationCompleted, types.CreationFailed, updatedBefore)
}

// SaveCreationRequest is a compare-and-swap on the state column. master_key is
// written as NULL when empty, so erasing it drops the sealed value from the row.
func (p *PostgresBackend) SaveCreationRequest(ctx context.Context, from types.CreationState, next types.CreationRequest) (types.CreationRequest, error) {
	config, err := json.Marshal(next.Config)
	if err != nil {
		return types.CreationRequest{}, fmt.Errorf("failed to marshal creation config: %w", err)
	}
	query := `UPDATE creation_requests SET
		config = $3,
		state = $4,
		address = $5,
		public_key = $6,
		master_key = $7,
		blackhole_tx_hash = $8,
		blackhole_ledger_index = $9,
		wallet_id = $10,
		error_message = $11,
		failed_from = $12,
		attempts = $13,
		updated_at = NOW()
	WHERE id = $1 AND state = $2
	RETURNING ` + creationRequestColumns

	saved, err := scanCreationRequest(p.pool.QueryRow(ctx, query,
		next.ID,
		from,
		string(config),
		next.State,
		next.Address,
		next.PublicKey,
		nullString(next.MasterKey),
		next.BlackholeTxHash,
		next.BlackholeLedgerIndex,
		next.WalletID,
		next.ErrorMessage,
		next.FailedFrom,
		next.Attempts,
	))
	if err == nil {
		return saved, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return types.CreationRequest{}, fmt.Errorf("failed to update creation request: %w", err)
	}

	current, err := p.GetCreationRequest(ctx, next.ID)
	if err != nil {
		return types.CreationRequest{}, err
	}
	return types.CreationRequest{}, fmt.Errorf("%w: request %s is %s, expected %s", types.ErrStaleState, next.ID, current.State, from)
}
