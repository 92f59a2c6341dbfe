package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTolerant(t *testing.T) {
	f, err := Decode([]byte("not json at all"))
	require.NoError(t, err)
	assert.Equal(t, TypeText, f.Type)
	assert.Equal(t, "not json at all", f.Content)

	f, err = Decode([]byte(`{"content":"x","requestId":" req-1 "}`))
	require.ErrorIs(t, err, ErrMissingType)
	assert.Equal(t, "req-1", f.RequestID)

	f, err = Decode([]byte(`{"type":" send ","target":" Builder ","messageId":" m1 ","priority":"HIGH"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeSend, f.Type)
	assert.Equal(t, "Builder", f.Target)
	assert.Equal(t, "m1", f.MessageID)
	assert.Equal(t, "high", f.Priority)
}

func TestAckEligible(t *testing.T) {
	assert.True(t, (&Frame{Type: TypeSend, AckRequired: true, MessageID: "m"}).AckEligible())
	assert.True(t, (&Frame{Type: TypeBroadcast, AckRequired: true, MessageID: "m"}).AckEligible())
	assert.False(t, (&Frame{Type: TypeSend, AckRequired: true}).AckEligible())
	assert.False(t, (&Frame{Type: TypeSend, MessageID: "m"}).AckEligible())
	assert.False(t, (&Frame{Type: TypeHeartbeat, AckRequired: true, MessageID: "m"}).AckEligible())
}

func TestSignature(t *testing.T) {
	a := Signature("send", "architect", "1", "builder", "high", "ship it")
	b := Signature("send", "architect", "1", "builder", "high", "ship it")
	c := Signature("send", "architect", "1", "builder", "normal", "ship it")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 40)
}

func TestSendAckShape(t *testing.T) {
	rec := &AckRecord{Ok: true, Accepted: true, Verified: true, Status: StatusDeliveredWebsocket, WSDeliveryCount: 2, AckLatencyMs: 7}
	raw := SendAck("m-9", rec.WithDedupe(DedupeSignatureCache, "m-1"), "trc-x", 123)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "send-ack", got["type"])
	assert.Equal(t, "m-9", got["messageId"])
	assert.Equal(t, true, got["ok"])
	assert.Equal(t, "delivered.websocket", got["status"])
	assert.Equal(t, float64(2), got["wsDeliveryCount"])
	dedupe, ok := got["dedupe"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "signature_cache", dedupe["mode"])
	assert.Equal(t, "m-1", dedupe["sourceMessageId"])

	// the cached original must stay unmarked
	assert.Nil(t, rec.Dedupe)
}

func TestHandlerResultSuccessAlias(t *testing.T) {
	var h HandlerResult
	require.NoError(t, json.Unmarshal([]byte(`{"success":true,"status":"injected"}`), &h))
	require.NotNil(t, h.Ok)
	assert.True(t, *h.Ok)
	assert.Equal(t, "injected", h.Status)

	var h2 HandlerResult
	require.NoError(t, json.Unmarshal([]byte(`{"ok":false,"success":true}`), &h2))
	require.NotNil(t, h2.Ok)
	assert.False(t, *h2.Ok, "explicit ok wins over the success alias")
}
