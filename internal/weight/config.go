package weight

import (
	"fmt"

	"github.com/vultisig/multisigner/internal/types"
	"github.com/vultisig/multisigner/internal/xrpl"
)

// ValidateSignerConfig checks a requested signer list and quorum before any side
// effect: non-empty, within the ledger limits, well-formed unique addresses and
// a quorum the list can satisfy. It returns the total weight.
func ValidateSignerConfig(signers []types.SignerInput, quorum int) (int, error) {
	if len(signers) == 0 {
		return 0, fmt.Errorf("%w: at least one signer is required", types.ErrInvalidSignerConfig)
	}
	if len(signers) > MaxSigners {
		return 0, fmt.Errorf("%w: %d signers, limit is %d", types.ErrTooManySigners, len(signers), MaxSigners)
	}
	if quorum <= 0 {
		return 0, fmt.Errorf("%w: quorum must be greater than 0", types.ErrInvalidQuorum)
	}
	seen := make(map[string]struct{}, len(signers))
	for _, s := range signers {
		if err := xrpl.ValidateAddress(s.Address); err != nil {
			return 0, err
		}
		if err := ValidateWeight(s.Weight); err != nil {
			return 0, err
		}
		if s.DeviceType != "" && !s.DeviceType.IsValid() {
			return 0, fmt.Errorf("%w: unknown wallet type %q", types.ErrInvalidSignerConfig, s.DeviceType)
		}
		if _, dup := seen[s.Address]; dup {
			return 0, fmt.Errorf("%w: duplicate signer address %s", types.ErrInvalidSignerConfig, s.Address)
		}
		seen[s.Address] = struct{}{}
	}
	total := Total(signers)
	if quorum > total {
		return 0, fmt.Errorf("%w: quorum %d exceeds total signer weight %d", types.ErrInvalidQuorum, quorum, total)
	}
	return total, nil
}
