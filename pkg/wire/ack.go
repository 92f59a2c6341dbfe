package wire

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
)

// Delivery statuses carried in AckRecord.Status, roughly ordered from best to
// worst. Handlers may supply their own status, which always wins.
const (
	StatusDeliveredWebsocket = "delivered.websocket"
	StatusDeliveredVerified  = "delivered.verified"
	StatusAcceptedUnverified = "accepted.unverified"
	StatusUnrouted           = "unrouted"
	StatusHandlerError       = "handler_error"
	StatusInvalidTarget      = "invalid_target"
	StatusRateLimited        = "rate_limited"
	StatusOversize           = "oversize"

	StatusBridgeDelivered            = "bridge_delivered"
	StatusBridgeAckTimeout           = "bridge_ack_timeout"
	StatusBridgeUnavailable          = "bridge_unavailable"
	StatusBridgeSendFailed           = "bridge_send_failed"
	StatusBridgeStopped              = "bridge_stopped"
	StatusBridgeHandlerError         = "bridge_handler_error"
	StatusBridgeDiscoveryUnsupported = "bridge_discovery_unsupported"
	StatusTargetOffline              = "target_offline"
)

// Dedupe modes, set on acks served from the dedup layer instead of a fresh
// dispatch.
const (
	DedupeCache            = "cache"
	DedupeSignatureCache   = "signature_cache"
	DedupeSignaturePending = "signature_pending"
)

// AckRecord is the outcome of one dispatched message. It is cached for
// retries, persisted in send-ack frames, and returned by delivery-checks.
type AckRecord struct {
	Ok              bool           `json:"ok"`
	Accepted        bool           `json:"accepted"`
	Queued          bool           `json:"queued"`
	Verified        bool           `json:"verified"`
	Status          string         `json:"status"`
	WSDeliveryCount int            `json:"wsDeliveryCount"`
	AckLatencyMs    int64          `json:"ackLatencyMs"`
	Error           string         `json:"error,omitempty"`
	HandlerResult   *HandlerResult `json:"handlerResult,omitempty"`
	Dedupe          *Dedupe        `json:"dedupe,omitempty"`
}

// Dedupe marks an ack as served by the dedup layer. SourceMessageID is set
// when the serving entry was keyed by payload signature rather than by the
// retried messageId, and names the original delivery.
type Dedupe struct {
	Mode            string `json:"mode"`
	SourceMessageID string `json:"sourceMessageId,omitempty"`
}

// WithDedupe returns a copy of the record marked as a dedup hit. The cached
// original is never mutated; every waiter gets its own marked copy.
func (a *AckRecord) WithDedupe(mode, sourceMessageID string) *AckRecord {
	c := *a
	c.Dedupe = &Dedupe{Mode: mode, SourceMessageID: sourceMessageID}
	return &c
}

// HandlerResult is the verdict of the external message handler. All booleans
// are tri-state so that an absent field can be inferred by the dispatcher.
// "success" is accepted as an alias for "ok" on decode.
type HandlerResult struct {
	Ok       *bool  `json:"ok,omitempty"`
	Accepted *bool  `json:"accepted,omitempty"`
	Queued   *bool  `json:"queued,omitempty"`
	Verified *bool  `json:"verified,omitempty"`
	Status   string `json:"status,omitempty"`
}

func (h *HandlerResult) UnmarshalJSON(b []byte) error {
	type plain HandlerResult
	aux := struct {
		*plain
		Success *bool `json:"success,omitempty"`
	}{plain: (*plain)(h)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if h.Ok == nil {
		h.Ok = aux.Success
	}
	return nil
}

// Bool helps build HandlerResult literals.
func Bool(v bool) *bool { return &v }

// Signature is the payload fingerprint used by the second dedup tier. It
// intentionally ignores messageId so that a client minting a fresh id for an
// unchanged payload still dedups.
func Signature(frameType, senderRole, senderPane, target, priority, content string) string {
	h := sha1.New()
	h.Write([]byte("t:" + frameType + "|r:" + senderRole + "|p:" + senderPane + "|g:" + target + "|q:" + priority + "|c:" + content))
	return hex.EncodeToString(h.Sum(nil))
}
