package transaction

import (
	"fmt"

	apperrors "github.com/sheetal-kulkarni/finblocker-etf/internal/errors"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/identity"
)

// Signature is one party's signature over a transition ID.
type Signature struct {
	By    string `json:"by"`
	Bytes []byte `json:"bytes"`
}

// SignedTransition is a transition together with the signatures gathered so far.
type SignedTransition struct {
	Tx   Transition  `json:"tx"`
	Sigs []Signature `json:"sigs"`
}

// NewSigned wraps tx with no signatures.
func NewSigned(tx *Transition) *SignedTransition {
	return &SignedTransition{Tx: *tx}
}

func (s *SignedTransition) ID() string {
	return s.Tx.ID()
}

// Sign adds or replaces kp's signature.
func (s *SignedTransition) Sign(kp *identity.KeyPair) {
	sig := Signature{By: kp.Name, Bytes: kp.Sign([]byte(s.ID()))}
	for i := range s.Sigs {
		if s.Sigs[i].By == kp.Name {
			s.Sigs[i] = sig
			return
		}
	}
	s.Sigs = append(s.Sigs, sig)
}

// SignedBy reports whether party has signed.
func (s *SignedTransition) SignedBy(party string) bool {
	for _, sig := range s.Sigs {
		if sig.By == party {
			return true
		}
	}
	return false
}

// Missing returns the required signers that have not signed yet.
func (s *SignedTransition) Missing() []string {
	var missing []string
	for _, p := range s.Tx.RequiredSigners {
		if !s.SignedBy(p) {
			missing = append(missing, p)
		}
	}
	return missing
}

// VerifySignatures checks every attached signature and, when parties are
// given, that each of them has signed.
func (s *SignedTransition) VerifySignatures(reg *identity.Registry, parties ...string) error {
	id := []byte(s.ID())
	for _, sig := range s.Sigs {
		if !s.required(sig.By) {
			return apperrors.New(apperrors.CodeSignatureInvalid, fmt.Sprintf("%s is not a required signer", sig.By))
		}
		if err := reg.Verify(sig.By, id, sig.Bytes); err != nil {
			return err
		}
	}
	for _, p := range parties {
		if !s.SignedBy(p) {
			return apperrors.New(apperrors.CodeSignatureInvalid, fmt.Sprintf("missing signature from %s", p))
		}
	}
	return nil
}

// VerifyComplete checks that every required signer has signed validly.
func (s *SignedTransition) VerifyComplete(reg *identity.Registry) error {
	return s.VerifySignatures(reg, s.Tx.RequiredSigners...)
}

func (s *SignedTransition) required(party string) bool {
	for _, p := range s.Tx.RequiredSigners {
		if p == party {
			return true
		}
	}
	return false
}
