package types

import (
	"time"

	"github.com/google/uuid"
)

type DeviceType string

const (
	DeviceLedger DeviceType = "ledger"
	DeviceXaman  DeviceType = "xaman"
	DeviceXumm   DeviceType = "xumm"
	DeviceOther  DeviceType = "other"
)

func (d DeviceType) IsValid() bool {
	switch d {
	case DeviceLedger, DeviceXaman, DeviceXumm, DeviceOther:
		return true
	}
	return false
}

func (d DeviceType) IsHardware() bool {
	return d == DeviceLedger
}

func (d DeviceType) IsMobile() bool {
	return d == DeviceXaman || d == DeviceXumm
}

// Signer is an external signer registered on a wallet. Seq orders signers by
// insertion and stays stable across deactivation and reactivation.
type Signer struct {
	ID         uuid.UUID  `json:"id"`
	WalletID   uuid.UUID  `json:"wallet_id"`
	Address    string     `json:"public_address"`
	Weight     int        `json:"weight"`
	Nickname   string     `json:"nickname,omitempty"`
	Email      string     `json:"email,omitempty"`
	DeviceType DeviceType `json:"wallet_type,omitempty"`
	Active     bool       `json:"is_active"`
	AddedBy    string     `json:"added_by,omitempty"`
	Seq        int64      `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// DisplayName falls back to a shortened address when no nickname is set.
func (s Signer) DisplayName() string {
	if s.Nickname != "" {
		return s.Nickname
	}
	if len(s.Address) <= 16 {
		return s.Address
	}
	return s.Address[:8] + "..." + s.Address[len(s.Address)-8:]
}

// SignerInput describes a signer to register.
type SignerInput struct {
	Address    string     `json:"public_address" validate:"required,min=25,max=35"`
	Weight     int        `json:"weight" validate:"required,min=1"`
	Nickname   string     `json:"nickname,omitempty" validate:"max=100"`
	Email      string     `json:"email,omitempty" validate:"omitempty,email"`
	DeviceType DeviceType `json:"wallet_type,omitempty" validate:"omitempty,oneof=ledger xaman xumm other"`
}

// SignerChange is the single mutation a signer-registry operation commits. Exactly
// one of Signer or Quorum is set.
type SignerChange struct {
	Signer *Signer
	Quorum *int
}
