package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vultisig/multisigner/internal/types"
)

const proposalColumns = `id, wallet_id, tx_type, params, payload, required_weight, accumulated_weight, status,
	created_by, tx_hash, ledger_index, error_message, submit_attempts, version, created_at, updated_at`

func scanProposal(row scanner) (types.Proposal, error) {
	var (
		p       types.Proposal
		params  []byte
		payload []byte
	)
	err := row.Scan(
		&p.ID,
		&p.WalletID,
		&p.TxType,
		&params,
		&payload,
		&p.RequiredWeight,
		&p.AccumulatedWeight,
		&p.Status,
		&p.CreatedBy,
		&p.TxHash,
		&p.LedgerIndex,
		&p.ErrorMessage,
		&p.SubmitAttempts,
		&p.Version,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	p.Params = params
	p.Payload = payload
	return p, err
}

func proposalNotFound(err error, id uuid.UUID) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", types.ErrProposalNotFound, id)
	}
	return err
}

func jsonOrEmpty(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func (p *PostgresBackend) CreateProposal(ctx context.Context, prop types.Proposal) (types.Proposal, error) {
	if prop.ID == uuid.Nil {
		prop.ID = uuid.New()
	}
	query := `INSERT INTO proposals (id, wallet_id, tx_type, params, payload, required_weight, status, created_by)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	RETURNING ` + proposalColumns

	created, err := scanProposal(p.pool.QueryRow(ctx, query,
		prop.ID, prop.WalletID, prop.TxType, jsonOrEmpty(prop.Params), jsonOrEmpty(prop.Payload),
		prop.RequiredWeight, prop.Status, prop.CreatedBy))
	if err != nil {
		return types.Proposal{}, fmt.Errorf("failed to insert proposal: %w", err)
	}
	return created, nil
}

func (p *PostgresBackend) signatures(ctx context.Context, proposalID uuid.UUID) ([]types.Signature, error) {
	rows, err := p.pool.Query(ctx, `SELECT proposal_id, signer_address, public_key, signature, weight, created_at
	FROM signatures
	WHERE proposal_id = $1
	ORDER BY created_at, signer_address`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query signatures: %w", err)
	}
	defer rows.Close()

	var sigs []types.Signature
	for rows.Next() {
		var s types.Signature
		if err := rows.Scan(&s.ProposalID, &s.SignerAddress, &s.PublicKey, &s.Signature, &s.Weight, &s.CreatedAt); err != nil {
			return nil, err
		}
		sigs = append(sigs, s)
	}
	return sigs, rows.Err()
}

func (p *PostgresBackend) GetProposal(ctx context.Context, id uuid.UUID) (types.Proposal, error) {
	prop, err := scanProposal(p.pool.QueryRow(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, id))
	if err != nil {
		return types.Proposal{}, proposalNotFound(err, id)
	}
	prop.Signatures, err = p.signatures(ctx, id)
	if err != nil {
		return types.Proposal{}, err
	}
	return prop, nil
}

func (p *PostgresBackend) queryProposals(ctx context.Context, query string, args ...any) ([]types.Proposal, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var out []types.Proposal
	for rows.Next() {
		prop, err := scanProposal(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, prop)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Signatures, err = p.signatures(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *PostgresBackend) ListProposals(ctx context.Context, walletID uuid.UUID, status types.ProposalStatus) ([]types.Proposal, error) {
	return p.queryProposals(ctx, `SELECT `+proposalColumns+` FROM proposals
	WHERE wallet_id = $1 AND ($2 = '' OR status = $2)
	ORDER BY created_at`, walletID, status)
}

func (p *PostgresBackend) ListStaleProposals(ctx context.Context, status types.ProposalStatus, updatedBefore time.Time) ([]types.Proposal, error) {
	return p.queryProposals(ctx, `SELECT `+proposalColumns+` FROM proposals
	WHERE status = $1 AND updated_at < $2
	ORDER BY updated_at`, status, updatedBefore)
}

// RecordSignature holds the proposal row lock while inserting the signature and
// recomputing the total, so concurrent signers see each other's weight.
func (p *PostgresBackend) RecordSignature(ctx context.Context, sig types.Signature) (types.Proposal, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return types.Proposal{}, fmt.Errorf("failed to begin db transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	prop, err := scanProposal(tx.QueryRow(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1 FOR UPDATE`, sig.ProposalID))
	if err != nil {
		return types.Proposal{}, proposalNotFound(err, sig.ProposalID)
	}
	if prop.Status != types.ProposalPending {
		return types.Proposal{}, fmt.Errorf("%w: status is %s", types.ErrProposalNotPending, prop.Status)
	}

	_, err = tx.Exec(ctx, `INSERT INTO signatures (proposal_id, signer_address, public_key, signature, weight)
	VALUES ($1, $2, $3, $4, $5)`, sig.ProposalID, sig.SignerAddress, sig.PublicKey, sig.Signature, sig.Weight)
	if err != nil {
		if isUniqueViolation(err) {
			return types.Proposal{}, fmt.Errorf("%w: %s", types.ErrDuplicateSignature, sig.SignerAddress)
		}
		return types.Proposal{}, fmt.Errorf("failed to insert signature: %w", err)
	}

	var total int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(weight), 0) FROM signatures WHERE proposal_id = $1`, sig.ProposalID).Scan(&total); err != nil {
		return types.Proposal{}, fmt.Errorf("failed to sum signature weights: %w", err)
	}
	next, err := prop.WithSignatureTotal(total)
	if err != nil {
		return types.Proposal{}, err
	}
	_, err = tx.Exec(ctx, `UPDATE proposals SET accumulated_weight = $2, status = $3, version = version + 1, updated_at = NOW()
	WHERE id = $1`, next.ID, next.AccumulatedWeight, next.Status)
	if err != nil {
		return types.Proposal{}, fmt.Errorf("failed to update proposal: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return types.Proposal{}, fmt.Errorf("failed to commit db transaction: %w", err)
	}
	return p.GetProposal(ctx, sig.ProposalID)
}

func (p *PostgresBackend) TransitionProposal(ctx context.Context, id uuid.UUID, from, to types.ProposalStatus, patch types.ProposalPatch) (types.Proposal, error) {
	if !from.CanTransitionTo(to) {
		return types.Proposal{}, fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, from, to)
	}
	attempt := 0
	if patch.IncrementAttempt {
		attempt = 1
	}
	query := `UPDATE proposals SET
		status = $3,
		tx_hash = CASE WHEN $4::text <> '' THEN $4::text ELSE tx_hash END,
		ledger_index = CASE WHEN $5::bigint <> 0 THEN $5::bigint ELSE ledger_index END,
		error_message = CASE WHEN $6::text <> '' THEN $6::text ELSE error_message END,
		submit_attempts = submit_attempts + $7,
		version = version + 1,
		updated_at = NOW()
	WHERE id = $1 AND status = $2
	RETURNING id`

	var updated uuid.UUID
	err := p.pool.QueryRow(ctx, query, id, from, to, patch.TxHash, patch.LedgerIndex, patch.ErrorMessage, attempt).Scan(&updated)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return types.Proposal{}, fmt.Errorf("failed to update proposal status: %w", err)
		}
		current, err := p.GetProposal(ctx, id)
		if err != nil {
			return types.Proposal{}, err
		}
		return types.Proposal{}, fmt.Errorf("%w: proposal %s is %s, expected %s", types.ErrStaleState, id, current.Status, from)
	}
	return p.GetProposal(ctx, id)
}
