// Package weight holds the quorum arithmetic shared by the signer registry,
// the creation workflow and the signature collector.
package weight

import (
	"fmt"
	"math"

	"github.com/vultisig/multisigner/internal/types"
)

const (
	// MaxSignerWeight is the ledger's SignerWeight field limit (UInt16).
	MaxSignerWeight = math.MaxUint16
	// MaxSigners is the ledger's signer list size limit.
	MaxSigners = 32
)

func ValidateWeight(w int) error {
	if w <= 0 || w > MaxSignerWeight {
		return fmt.Errorf("%w: %d not in 1..%d", types.ErrInvalidWeight, w, MaxSignerWeight)
	}
	return nil
}

// TotalActive sums the weights of the active signers.
func TotalActive(signers []types.Signer) int {
	total := 0
	for _, s := range signers {
		if s.Active {
			total += s.Weight
		}
	}
	return total
}

// Total sums a requested signer configuration.
func Total(signers []types.SignerInput) int {
	total := 0
	for _, s := range signers {
		total += s.Weight
	}
	return total
}

// CheckQuorum enforces 0 < quorum <= total.
func CheckQuorum(quorum, total int) error {
	if quorum <= 0 {
		return fmt.Errorf("%w: quorum must be greater than 0", types.ErrInvalidQuorum)
	}
	if quorum > total {
		return fmt.Errorf("%w: quorum %d exceeds total active weight %d", types.ErrQuorumViolation, quorum, total)
	}
	return nil
}

// ActiveAfter returns the active set with address replaced by the given weight.
// A weight of zero removes the signer from the set. Insertion order is kept.
func ActiveAfter(signers []types.Signer, address string, newWeight int) []types.Signer {
	out := make([]types.Signer, 0, len(signers))
	for _, s := range signers {
		if !s.Active {
			continue
		}
		if s.Address == address {
			if newWeight <= 0 {
				continue
			}
			s.Weight = newWeight
		}
		out = append(out, s)
	}
	return out
}

// SumSignatures recomputes the accumulated weight of a proposal from its full
// signature set.
func SumSignatures(sigs []types.Signature) int {
	total := 0
	for _, s := range sigs {
		total += s.Weight
	}
	return total
}
