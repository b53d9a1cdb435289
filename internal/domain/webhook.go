/**
 * @description
 * Webhook payload types and the closed set of notification kinds the service
 * understands. Routing is done on WebhookKind, not on raw strings, so adding a
 * new provider event is a compile-time-visible change in ParseWebhookKind and
 * the dispatch switch.
 */
package domain

// WebhookKind is the closed variant of provider push-notification kinds.
type WebhookKind int

const (
	// WebhookKindUnknown is the explicit catch-all; logged and ignored.
	WebhookKindUnknown WebhookKind = iota
	// WebhookKindSyncUpdatesAvailable signals new delta data for an item.
	WebhookKindSyncUpdatesAvailable
	// WebhookKindItemError signals a connection-health failure on an item.
	WebhookKindItemError
	// WebhookKindPendingExpiration warns that the item's consent is expiring.
	WebhookKindPendingExpiration
	// WebhookKindLegacyUpdate covers the provider's older update codes
	// (DEFAULT_UPDATE, INITIAL_UPDATE, HISTORICAL_UPDATE); treated as a sync
	// trigger for compatibility.
	WebhookKindLegacyUpdate
)

// ParseWebhookKind maps the provider's webhook_code to a WebhookKind.
func ParseWebhookKind(code string) WebhookKind {
	switch code {
	case "SYNC_UPDATES_AVAILABLE":
		return WebhookKindSyncUpdatesAvailable
	case "ERROR", "ITEM_ERROR":
		return WebhookKindItemError
	case "PENDING_EXPIRATION", "PENDING_DISCONNECT":
		return WebhookKindPendingExpiration
	case "DEFAULT_UPDATE", "INITIAL_UPDATE", "HISTORICAL_UPDATE":
		return WebhookKindLegacyUpdate
	default:
		return WebhookKindUnknown
	}
}

// String returns the canonical name of the kind for logging.
func (k WebhookKind) String() string {
	switch k {
	case WebhookKindSyncUpdatesAvailable:
		return "sync_updates_available"
	case WebhookKindItemError:
		return "item_error"
	case WebhookKindPendingExpiration:
		return "pending_expiration"
	case WebhookKindLegacyUpdate:
		return "legacy_update"
	default:
		return "unknown"
	}
}

// WebhookPayload is the decoded JSON body of a provider push notification.
type WebhookPayload struct {
	WebhookType string        `json:"webhook_type"`
	WebhookCode string        `json:"webhook_code"`
	ItemID      string        `json:"item_id"`
	Error       *WebhookError `json:"error,omitempty"`
}

// Kind returns the closed-variant kind for this payload.
func (p WebhookPayload) Kind() WebhookKind {
	return ParseWebhookKind(p.WebhookCode)
}

// WebhookError is the provider error embedded in an item-error notification.
type WebhookError struct {
	ErrorType    string `json:"error_type"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}
