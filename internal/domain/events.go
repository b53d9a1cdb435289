/**
 * @description
 * Audit event payloads published to the message broker. Audit publishing is
 * fire-and-forget: failures are logged and never affect the operation that
 * produced the event.
 */
package domain

import "time"

// Audit actions emitted by the institution lifecycle.
const (
	AuditActionInstitutionLinked   = "institution.linked"
	AuditActionInstitutionRelinked = "institution.relinked"
	AuditActionInstitutionDeleted  = "institution.deleted"
)

// AuditEvent is the wire shape for one audit record.
type AuditEvent struct {
	Action     string            `json:"action"`
	SourceIP   string            `json:"source_ip,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}
