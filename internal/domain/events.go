package domain

import "time"

// Event types published on the application bus.
const (
	EventBatchGenerated        = "ach.batch.generated"
	EventBatchUploaded         = "ach.batch.uploaded"
	EventBatchUploadFailed     = "ach.batch.upload_failed"
	EventBatchSettled          = "ach.batch.settled"
	EventItemReturned          = "ach.item.returned"
	EventNotificationOfChange  = "ach.item.notification_of_change"
	EventVerificationSubmitted = "verification.submitted"
	EventVerificationApproved  = "verification.approved"
)

// Event is a fact announced by the core for out-of-scope collaborators
// (notifications, storefront hooks).
type Event struct {
	Type       string         `json:"type"`
	SubjectID  string         `json:"subject_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}
