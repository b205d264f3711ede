package authz

import (
	"errors"
	"fmt"

	"github.com/meterable/meterable/db"
)

var (
	ErrInvalidInput = errors.New("authz: invalid input")
)

// Code is a stable, client-visible error or warning code.
type Code string

const (
	// Denial codes
	CodeGraceExpired    Code = "GraceExpired"
	CodeNotAuthorized   Code = "NotAuthorized"
	CodeEmailRequired   Code = "EmailRequired"
	CodeOrgGraceExpired Code = "OrgGraceExpired"

	// Block-reason denial codes, mapped 1:1 from db.BlockReason
	CodeTrialExpired    Code = "TrialExpired"
	CodePaymentFailed   Code = "PaymentFailed"
	CodeContractEnded   Code = "ContractEnded"
	CodePolicyViolation Code = "PolicyViolation"

	// Warning codes
	CodeGracePeriod    Code = "GracePeriod"
	CodeOrgGracePeriod Code = "OrgGracePeriod"
	CodePendingDomain  Code = "PendingDomain"

	// Transport-level code for clients below the minimum API version
	CodeUpgradeRequired Code = "UpgradeRequired"
)

// BlockCode maps a block reason to its denial code.
func BlockCode(r db.BlockReason) Code {
	switch r {
	case db.BlockTrialExpired:
		return CodeTrialExpired
	case db.BlockPaymentFailed:
		return CodePaymentFailed
	case db.BlockContractEnded:
		return CodeContractEnded
	case db.BlockPolicyViolation:
		return CodePolicyViolation
	}
	// Unknown reasons still deny; the reason string travels in the details.
	return CodeNotAuthorized
}

// DeniedError is the typed authorization denial. It is the only error the
// pipeline deliberately raises to the caller; anything else is an
// infrastructure fault and is absorbed by the fail-open policy.
type DeniedError struct {
	Code    Code
	Details map[string]interface{}
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("authz: denied (%s)", e.Code)
}

// IsDenied reports whether err is (or wraps) a deliberate denial.
func IsDenied(err error) (*DeniedError, bool) {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return denied, true
	}
	return nil, false
}
