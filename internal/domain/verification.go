/**
 * @description
 * Verification wizard session state and handoff tokens.
 */
package domain

import "time"

// VerificationStep is the wizard position.
type VerificationStep int

const (
	StepBankInfo  VerificationStep = 1
	StepDocuments VerificationStep = 2
	StepReview    VerificationStep = 3
	StepSubmitted VerificationStep = 4
)

// DocumentType names a KYC document slot.
type DocumentType string

const (
	DocGovernmentIDFront DocumentType = "government_id_front"
	DocGovernmentIDBack  DocumentType = "government_id_back"
	DocBankProof         DocumentType = "bank_proof"
)

// BankState is the non-sensitive bank sub-state of a session.
type BankState struct {
	Validated   bool        `json:"validated"`
	Last4       string      `json:"last4,omitempty"`
	AccountType AccountType `json:"account_type,omitempty"`
	HolderName  string      `json:"holder_name,omitempty"`
}

// HandoffState records the outstanding mobile handoff, if any.
type HandoffState struct {
	TokenHash string     `json:"token_hash,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// VerificationSession is the per-order wizard state.
type VerificationSession struct {
	OrderID     string                `json:"order_id"`
	CustomerID  string                `json:"customer_id"`
	CurrentStep VerificationStep      `json:"current_step"`
	Bank        BankState             `json:"bank"`
	Documents   map[DocumentType]bool `json:"documents"`
	Handoff     HandoffState          `json:"handoff"`
	Cancelled   bool                  `json:"cancelled"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// HasDocuments reports whether every required document is present.
func (s *VerificationSession) HasDocuments(required []DocumentType) bool {
	for _, doc := range required {
		if !s.Documents[doc] {
			return false
		}
	}
	return true
}

// HandoffToken is the server-side record of a minted token. The raw token is
// never stored, only its hash.
type HandoffToken struct {
	TokenHash  string     `json:"-"`
	OrderID    string     `json:"order_id"`
	CustomerID string     `json:"customer_id"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
