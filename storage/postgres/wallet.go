package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vultisig/multisigner/internal/types"
	"github.com/vultisig/multisigner/storage"
)

const walletColumns = `id, owner_id, name, description, address, network, signature_scheme, quorum, status, is_imported, created_at, updated_at`

const signerColumns = `id, wallet_id, address, weight, nickname, email, device_type, is_active, added_by, seq, created_at, updated_at`

func scanWallet(row scanner) (types.Wallet, error) {
	var w types.Wallet
	err := row.Scan(
		&w.ID,
		&w.OwnerID,
		&w.Name,
		&w.Description,
		&w.Address,
		&w.Network,
		&w.Scheme,
		&w.Quorum,
		&w.Status,
		&w.IsImported,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	return w, err
}

func scanSigner(row scanner) (types.Signer, error) {
	var s types.Signer
	err := row.Scan(
		&s.ID,
		&s.WalletID,
		&s.Address,
		&s.Weight,
		&s.Nickname,
		&s.Email,
		&s.DeviceType,
		&s.Active,
		&s.AddedBy,
		&s.Seq,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	return s, err
}

func walletNotFound(err error, key any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", types.ErrWalletNotFound, key)
	}
	return err
}

func (p *PostgresBackend) CreateWallet(ctx context.Context, w types.Wallet) (types.Wallet, error) {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	query := `INSERT INTO wallets (id, owner_id, name, description, address, network, signature_scheme, quorum, status, is_imported)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	RETURNING ` + walletColumns

	created, err := scanWallet(p.pool.QueryRow(ctx, query,
		w.ID, w.OwnerID, w.Name, w.Description, w.Address, w.Network, w.Scheme, w.Quorum, w.Status, w.IsImported))
	if err != nil {
		if isUniqueViolation(err) {
			return types.Wallet{}, fmt.Errorf("%w: %s", types.ErrDuplicateWallet, w.Address)
		}
		return types.Wallet{}, fmt.Errorf("failed to insert wallet: %w", err)
	}
	return created, nil
}

func (p *PostgresBackend) GetWallet(ctx context.Context, id uuid.UUID) (types.Wallet, error) {
	w, err := scanWallet(p.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id))
	if err != nil {
		return types.Wallet{}, walletNotFound(err, id)
	}
	return w, nil
}

func (p *PostgresBackend) GetWalletByAddress(ctx context.Context, address string) (types.Wallet, error) {
	w, err := scanWallet(p.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE address = $1`, address))
	if err != nil {
		return types.Wallet{}, walletNotFound(err, address)
	}
	return w, nil
}

func (p *PostgresBackend) ListWallets(ctx context.Context, ownerID string) ([]types.Wallet, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+walletColumns+` FROM wallets
	WHERE $1 = '' OR owner_id = $1
	ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []types.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

func (p *PostgresBackend) UpdateWalletStatus(ctx context.Context, id uuid.UUID, status types.WalletStatus) (types.Wallet, error) {
	w, err := scanWallet(p.pool.QueryRow(ctx, `UPDATE wallets SET status = $2, updated_at = NOW()
	WHERE id = $1
	RETURNING `+walletColumns, id, status))
	if err != nil {
		return types.Wallet{}, walletNotFound(err, id)
	}
	return w, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listSigners(ctx context.Context, q querier, walletID uuid.UUID, activeOnly bool) ([]types.Signer, error) {
	rows, err := q.Query(ctx, `SELECT `+signerColumns+` FROM signers
	WHERE wallet_id = $1 AND (NOT $2 OR is_active)
	ORDER BY seq`, walletID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to query signers: %w", err)
	}
	defer rows.Close()

	var signers []types.Signer
	for rows.Next() {
		s, err := scanSigner(rows)
		if err != nil {
			return nil, err
		}
		signers = append(signers, s)
	}
	return signers, rows.Err()
}

func (p *PostgresBackend) ListSigners(ctx context.Context, walletID uuid.UUID, activeOnly bool) ([]types.Signer, error) {
	if _, err := p.GetWallet(ctx, walletID); err != nil {
		return nil, err
	}
	return listSigners(ctx, p.pool, walletID, activeOnly)
}

func lockWallet(ctx context.Context, tx pgx.Tx, walletID uuid.UUID) (types.Wallet, error) {
	w, err := scanWallet(tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, walletID))
	if err != nil {
		return types.Wallet{}, walletNotFound(err, walletID)
	}
	return w, nil
}

func (p *PostgresBackend) BootstrapSigners(ctx context.Context, walletID uuid.UUID, inputs []types.SignerInput, addedBy string) ([]types.Signer, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin db transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := lockWallet(ctx, tx, walletID); err != nil {
		return nil, err
	}
	for _, in := range inputs {
		_, err := tx.Exec(ctx, `INSERT INTO signers (id, wallet_id, address, weight, nickname, email, device_type, is_active, added_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8)
		ON CONFLICT (wallet_id, address) DO NOTHING`,
			uuid.New(), walletID, in.Address, in.Weight, in.Nickname, in.Email, in.DeviceType, addedBy)
		if err != nil {
			return nil, fmt.Errorf("failed to insert signer %s: %w", in.Address, err)
		}
	}
	signers, err := listSigners(ctx, tx, walletID, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit db transaction: %w", err)
	}
	return signers, nil
}

func (p *PostgresBackend) MutateWalletSigners(ctx context.Context, walletID uuid.UUID, fn storage.SignerMutation) (types.Wallet, []types.Signer, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return types.Wallet{}, nil, fmt.Errorf("failed to begin db transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	w, err := lockWallet(ctx, tx, walletID)
	if err != nil {
		return types.Wallet{}, nil, err
	}
	signers, err := listSigners(ctx, tx, walletID, false)
	if err != nil {
		return types.Wallet{}, nil, err
	}

	change, err := fn(ctx, w, signers)
	if err != nil {
		return types.Wallet{}, nil, err
	}

	if change.Quorum != nil {
		w, err = scanWallet(tx.QueryRow(ctx, `UPDATE wallets SET quorum = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+walletColumns, walletID, *change.Quorum))
		if err != nil {
			return types.Wallet{}, nil, fmt.Errorf("failed to update quorum: %w", err)
		}
	}
	if s := change.Signer; s != nil {
		id := s.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		_, err := tx.Exec(ctx, `INSERT INTO signers (id, wallet_id, address, weight, nickname, email, device_type, is_active, added_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (wallet_id, address) DO UPDATE SET
			weight = EXCLUDED.weight,
			nickname = EXCLUDED.nickname,
			email = EXCLUDED.email,
			device_type = EXCLUDED.device_type,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()`,
			id, walletID, s.Address, s.Weight, s.Nickname, s.Email, s.DeviceType, s.Active, s.AddedBy)
		if err != nil {
			return types.Wallet{}, nil, fmt.Errorf("failed to upsert signer %s: %w", s.Address, err)
		}
	}

	signers, err = listSigners(ctx, tx, walletID, false)
	if err != nil {
		return types.Wallet{}, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.Wallet{}, nil, fmt.Errorf("failed to commit db transaction: %w", err)
	}
	return w, signers, nil
}
