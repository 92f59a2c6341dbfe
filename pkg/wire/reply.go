package wire

import (
	"encoding/json"
)

// Server→client frames. Each constructor returns the frame ready to write.
// Marshal cannot fail here: every field either is a plain value or came out
// of a successful json.Unmarshal.

func marshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

type welcomeFrame struct {
	Type          string `json:"type"`
	ClientID      string `json:"clientId"`
	ServerVersion string `json:"serverVersion,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

func Welcome(clientID, serverVersion string, ts int64) []byte {
	return marshal(welcomeFrame{Type: TypeWelcome, ClientID: clientID, ServerVersion: serverVersion, Timestamp: ts})
}

type registeredFrame struct {
	Type      string `json:"type"`
	Role      string `json:"role"`
	PaneID    string `json:"paneId"`
	Timestamp int64  `json:"timestamp"`
}

func Registered(role, paneID string, ts int64) []byte {
	return marshal(registeredFrame{Type: TypeRegistered, Role: role, PaneID: paneID, Timestamp: ts})
}

// Delivery is a "message" or "broadcast" frame fanned out to receivers.
type Delivery struct {
	Type          string         `json:"type"`
	MessageID     string         `json:"messageId,omitempty"`
	From          string         `json:"from"`
	FromPane      string         `json:"fromPane,omitempty"`
	Target        string         `json:"target,omitempty"`
	Content       string         `json:"content"`
	Priority      string         `json:"priority,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	TraceID       string         `json:"traceId,omitempty"`
	ParentEventID string         `json:"parentEventId,omitempty"`
	EventID       string         `json:"eventId,omitempty"`
	Timestamp     int64          `json:"timestamp"`
}

func (d *Delivery) Encode() []byte {
	return marshal(d)
}

type sendAckFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	AckRecord
	TraceID   string `json:"traceId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func SendAck(messageID string, rec *AckRecord, traceID string, ts int64) []byte {
	return marshal(sendAckFrame{
		Type:      TypeSendAck,
		MessageID: messageID,
		AckRecord: *rec,
		TraceID:   traceID,
		Timestamp: ts,
	})
}

// HealthCheckResult reports route liveness for one target.
type HealthCheckResult struct {
	Type             string `json:"type"`
	RequestID        string `json:"requestId,omitempty"`
	Target           string `json:"target"`
	Healthy          bool   `json:"healthy"`
	Status           string `json:"status"`
	Role             string `json:"role,omitempty"`
	PaneID           string `json:"paneId,omitempty"`
	LastSeen         int64  `json:"lastSeen,omitempty"`
	AgeMs            int64  `json:"ageMs,omitempty"`
	StaleThresholdMs int64  `json:"staleThresholdMs"`
	Timestamp        int64  `json:"timestamp"`
}

func (r *HealthCheckResult) Encode() []byte {
	r.Type = TypeHealthCheckResult
	return marshal(r)
}

type deliveryCheckResultFrame struct {
	Type      string     `json:"type"`
	RequestID string     `json:"requestId,omitempty"`
	MessageID string     `json:"messageId"`
	Known     bool       `json:"known"`
	Pending   bool       `json:"pending,omitempty"`
	Status    string     `json:"status,omitempty"`
	Ack       *AckRecord `json:"ack,omitempty"`
	Timestamp int64      `json:"timestamp"`
}

func DeliveryCheckResult(requestID, messageID string, known, pending bool, ack *AckRecord, ts int64) []byte {
	f := deliveryCheckResultFrame{
		Type:      TypeDeliveryCheckResult,
		RequestID: requestID,
		MessageID: messageID,
		Known:     known,
		Pending:   pending,
		Ack:       ack,
		Timestamp: ts,
	}
	if ack != nil {
		f.Status = ack.Status
	}
	return marshal(f)
}

type errorFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
	PaneID    string `json:"paneId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func ErrorFrame(message, requestID, paneID string, ts int64) []byte {
	return marshal(errorFrame{Type: TypeError, Message: message, RequestID: requestID, PaneID: paneID, Timestamp: ts})
}
