/**
 * @description
 * The narrow order contract consumed from the storefront. The ACH service never
 * touches order fields outside this interface.
 */
package domain

import (
	"context"
	"time"
)

// Order meta keys written by this service.
const (
	MetaBatchID            = "_ach_batch_id"
	MetaTraceNumber        = "_ach_trace_number"
	MetaAccountLast4       = "_ach_account_last4"
	MetaAccountType        = "_ach_account_type"
	MetaVerificationStatus = "_ach_verification_status"
	MetaReturnCode         = "_ach_return_code"
	MetaCustomerID         = "_customer_user"
)

// Verification statuses stored under MetaVerificationStatus.
const (
	VerificationPendingReview = "pending_review"
	VerificationVerified      = "verified"
)

// Order is the storefront order record.
type Order interface {
	GetID() string
	GetPaymentMethod() string
	GetStatus() string
	GetTotal() string
	GetCreatedAt() time.Time
	SetStatus(status, note string)
	GetMeta(key string) string
	SetMeta(key, value string)
	Save(ctx context.Context) error
}
