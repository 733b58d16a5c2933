package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
	NetworkDevnet  Network = "devnet"
)

func (n Network) IsValid() bool {
	switch n {
	case NetworkMainnet, NetworkTestnet, NetworkDevnet:
		return true
	}
	return false
}

type SignatureScheme string

const (
	SchemeMultiSign SignatureScheme = "multi_sign"
	SchemeWeighted  SignatureScheme = "weighted"
)

func (s SignatureScheme) IsValid() bool {
	return s == SchemeMultiSign || s == SchemeWeighted
}

type WalletStatus string

const (
	WalletActive    WalletStatus = "active"
	WalletInactive  WalletStatus = "inactive"
	WalletSuspended WalletStatus = "suspended"
)

type Wallet struct {
	ID          uuid.UUID       `json:"id"`
	OwnerID     string          `json:"owner_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Address     string          `json:"address"`
	Network     Network         `json:"network"`
	Scheme      SignatureScheme `json:"signature_scheme"`
	Quorum      int             `json:"quorum"`
	Status      WalletStatus    `json:"status"`
	IsImported  bool            `json:"is_imported"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (w Wallet) IsActive() bool {
	return w.Status == WalletActive
}

// WalletDetails is the read model returned to clients: the wallet, its active
// signers and the balance currently reported by the ledger.
type WalletDetails struct {
	Wallet
	Signers      []Signer `json:"signers"`
	Balance      string   `json:"balance,omitempty"`
	TotalSigners int      `json:"total_signers"`
	TotalWeight  int      `json:"total_weight"`
}

// WalletImportRequest registers an existing multi-sign account.
type WalletImportRequest struct {
	OwnerID     string  `json:"owner_id"`
	Address     string  `json:"address" validate:"required,min=25,max=35"`
	Name        string  `json:"name" validate:"required,max=255"`
	Description string  `json:"description" validate:"max=1000"`
	Network     Network `json:"network" validate:"required,oneof=mainnet testnet devnet"`
}

func (r *WalletImportRequest) IsValid() error {
	if r.Address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidRequest)
	}
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	if !r.Network.IsValid() {
		return fmt.Errorf("%w: network %q is not supported", ErrInvalidRequest, r.Network)
	}
	return nil
}
