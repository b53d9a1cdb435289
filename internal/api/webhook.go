/**
 * @description
 * This file contains the HTTP handler for processing incoming webhooks from
 * the provider. It acts as the entry point for all push notifications about
 * new data and connection-health events.
 *
 * Key features:
 * - Security: every payload is verified against the provider's rotating,
 *   key-id-addressed signing key before anything else happens; an unverified
 *   payload produces zero side effects.
 * - Fire-and-forget: the handler acknowledges receipt immediately and runs
 *   dispatch as a detached background task whose errors are caught and
 *   logged, never surfaced to the already-completed inbound request.
 * - Routing: dispatch matches on the closed WebhookKind variant; unrecognized
 *   kinds are logged and ignored, not fatal.
 *
 * @dependencies
 * - crypto/sha256, crypto/subtle: Raw-body hash comparison.
 * - github.com/golang-jwt/jwt/v5: Signature JWT parsing and ES256 verification.
 */
package api

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/centsight/sync-service/internal/domain"
	"github.com/centsight/sync-service/pkg/providerclient"
)

// VerificationHeader carries the provider's signature JWT.
const VerificationHeader = "Provider-Verification"

// maxSignatureAge bounds how old a signature's issued-at may be; replays of
// captured webhooks outside this window are rejected.
const maxSignatureAge = 5 * time.Minute

// dispatchTimeout bounds the detached background dispatch, which may run a
// full sync cycle.
const dispatchTimeout = 10 * time.Minute

// webhookKeySource fetches the signing key for a key id.
type webhookKeySource interface {
	GetWebhookVerificationKey(ctx context.Context, keyID string) (*providerclient.WebhookKey, error)
}

// syncDispatcher is the slice of the sync service the webhook processor drives.
type syncDispatcher interface {
	SyncInstitutionByItemID(ctx context.Context, providerItemID string) (domain.SyncResult, error)
	MarkItemError(ctx context.Context, providerItemID, errorCode string) error
	MarkPendingExpiration(ctx context.Context, providerItemID string) error
}

// WebhookVerifier validates webhook signatures against the provider's
// rotating signing keys, cached by key id.
type WebhookVerifier struct {
	keys     webhookKeySource
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]cachedKey
}

type cachedKey struct {
	key       *ecdsa.PublicKey
	fetchedAt time.Time
}

// NewWebhookVerifier creates a verifier. A non-positive ttl caches fetched
// keys indefinitely.
func NewWebhookVerifier(keys webhookKeySource, cacheTTL time.Duration) *WebhookVerifier {
	return &WebhookVerifier{
		keys:     keys,
		cacheTTL: cacheTTL,
		cache:    make(map[string]cachedKey),
	}
}

// Verify checks the signature JWT against the raw request body. Any failure
// (missing header, unknown key, bad signature, stale issued-at, body hash
// mismatch) rejects the payload.
func (v *WebhookVerifier) Verify(ctx context.Context, rawBody []byte, signature string) error {
	if signature == "" {
		return fmt.Errorf("missing %s header", VerificationHeader)
	}

	token, err := jwt.Parse(signature, func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("kid not found in signature header")
		}
		return v.signingKey(ctx, kid)
	}, jwt.WithValidMethods([]string{"ES256"}), jwt.WithIssuedAt())
	if err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return fmt.Errorf("unexpected signature claims type")
	}

	issuedAt, err := claims.GetIssuedAt()
	if err != nil || issuedAt == nil {
		return fmt.Errorf("signature missing issued-at")
	}
	if time.Since(issuedAt.Time) > maxSignatureAge {
		return fmt.Errorf("signature issued too long ago")
	}

	claimedHash, ok := claims["request_body_sha256"].(string)
	if !ok || claimedHash == "" {
		return fmt.Errorf("signature missing request_body_sha256 claim")
	}

	bodyHash := sha256.Sum256(rawBody)
	if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(bodyHash[:])), []byte(claimedHash)) != 1 {
		return fmt.Errorf("request body hash mismatch")
	}
	return nil
}

// signingKey returns the verification key for a key id, fetching it from the
// provider on cache miss or expiry.
func (v *WebhookVerifier) signingKey(ctx context.Context, kid string) (*ecdsa.PublicKey, error) {
	v.mu.Lock()
	cached, ok := v.cache[kid]
	v.mu.Unlock()
	if ok && (v.cacheTTL <= 0 || time.Since(cached.fetchedAt) < v.cacheTTL) {
		return cached.key, nil
	}

	wireKey, err := v.keys.GetWebhookVerificationKey(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch verification key %s: %w", kid, err)
	}
	key, err := parseECKey(wireKey)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.cache[kid] = cachedKey{key: key, fetchedAt: time.Now()}
	v.mu.Unlock()
	return key, nil
}

func parseECKey(wireKey *providerclient.WebhookKey) (*ecdsa.PublicKey, error) {
	if wireKey.Crv != "P-256" {
		return nil, fmt.Errorf("unsupported verification key curve %q", wireKey.Crv)
	}
	xBytes, err := base64.RawURLEncoding.DecodeString(wireKey.X)
	if err != nil {
		return nil, fmt.Errorf("invalid verification key x coordinate: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(wireKey.Y)
	if err != nil {
		return nil, fmt.Errorf("invalid verification key y coordinate: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}

// payloadVerifier lets tests substitute the signature check.
type payloadVerifier interface {
	Verify(ctx context.Context, rawBody []byte, signature string) error
}

// WebhookHandler processes incoming webhooks from the provider.
type WebhookHandler struct {
	verifier   payloadVerifier
	dispatcher syncDispatcher

	// onDispatchDone, when set, observes the outcome of the detached dispatch.
	// Used by tests; nil in production.
	onDispatchDone func(payload domain.WebhookPayload, err error)
}

// NewWebhookHandler creates a new handler for the webhook endpoint.
func NewWebhookHandler(verifier payloadVerifier, dispatcher syncDispatcher) *WebhookHandler {
	return &WebhookHandler{
		verifier:   verifier,
		dispatcher: dispatcher,
	}
}

// ServeHTTP implements the http.Handler interface.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("level=warn component=webhook msg=\"cannot read body\" err=%v", err)
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	if err := h.verifier.Verify(r.Context(), body, r.Header.Get(VerificationHeader)); err != nil {
		log.Printf("level=warn component=webhook msg=\"rejected unverified webhook\" remote=%s err=%v", r.RemoteAddr, err)
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	var payload domain.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Printf("level=warn component=webhook msg=\"invalid webhook json\" err=%v", err)
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}

	log.Printf("level=info component=webhook msg=\"webhook received\" kind=%s code=%s item_id=%s",
		payload.Kind(), payload.WebhookCode, payload.ItemID)

	// Acknowledge immediately; the provider only needs receipt. Redelivery is
	// safe because the orchestrator lock and idempotent upserts absorb
	// duplicates, so no separate webhook deduplication store is kept.
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Webhook received"))

	go h.dispatch(payload)
}

// dispatch routes a verified payload on a detached background context. Errors
// never reach the inbound request; they are logged here.
func (h *WebhookHandler) dispatch(payload domain.WebhookPayload) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("level=error component=webhook msg=\"panic in webhook dispatch\" kind=%s panic=%v", payload.Kind(), rec)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	err := h.route(ctx, payload)
	if err != nil {
		log.Printf("level=error component=webhook msg=\"webhook dispatch failed\" kind=%s item_id=%s err=%v",
			payload.Kind(), payload.ItemID, err)
	}
	if h.onDispatchDone != nil {
		h.onDispatchDone(payload, err)
	}
}

func (h *WebhookHandler) route(ctx context.Context, payload domain.WebhookPayload) error {
	switch payload.Kind() {
	case domain.WebhookKindSyncUpdatesAvailable, domain.WebhookKindLegacyUpdate:
		result, err := h.dispatcher.SyncInstitutionByItemID(ctx, payload.ItemID)
		if err != nil {
			return err
		}
		if !result.Success {
			return fmt.Errorf("webhook-triggered sync failed: %s", result.Error)
		}
		return nil

	case domain.WebhookKindItemError:
		errorCode := ""
		if payload.Error != nil {
			errorCode = payload.Error.ErrorCode
		}
		return h.dispatcher.MarkItemError(ctx, payload.ItemID, errorCode)

	case domain.WebhookKindPendingExpiration:
		return h.dispatcher.MarkPendingExpiration(ctx, payload.ItemID)

	case domain.WebhookKindUnknown:
		log.Printf("level=info component=webhook msg=\"ignoring unrecognized webhook\" code=%s item_id=%s", payload.WebhookCode, payload.ItemID)
		return nil
	}
	return nil
}
