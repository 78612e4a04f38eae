package event

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/electricautomaticchile/Websocket-api/errors"
)

func TestEncodeEnvelope(t *testing.T) {
	ev := Event{
		Name:      PowerUpdate,
		Timestamp: time.UnixMilli(1700000000000),
		Payload:   map[string]any{"activePower": 1.5},
	}

	raw, err := ev.Encode()
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, PowerUpdate, env.Event)
	assert.Equal(t, int64(1700000000000), env.Timestamp)
	assert.Equal(t, 1.5, env.Payload["activePower"])
}

func TestRedactedDoesNotMutateOriginal(t *testing.T) {
	ev := New(PowerUpdate, map[string]any{
		"activePower": 2.0,
		"cost":        120.5,
		"energy":      34.1,
	})

	redacted := ev.Redacted("cost", "energy")

	assert.NotContains(t, redacted.Payload, "cost")
	assert.NotContains(t, redacted.Payload, "energy")
	assert.Contains(t, redacted.Payload, "activePower")

	// original untouched
	assert.Contains(t, ev.Payload, "cost")
	assert.Contains(t, ev.Payload, "energy")
}

func TestSeverityValid(t *testing.T) {
	assert.True(t, SeverityCritical.Valid())
	assert.True(t, SeverityLow.Valid())
	assert.False(t, Severity("urgent").Valid())
}

func TestParseFrameAcceptsDataFrame(t *testing.T) {
	line := []byte(`{"type":"data","deviceId":"dev-1","customerId":"cust-42","voltage":220.4,"current":3.1,"activePower":0.68,"energy":12.5,"cost":540.2,"uptime":86400,"relay1":true,"relay2":false}`)

	frame, ok, err := ParseFrame(line)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "dev-1", frame.DeviceID)
	assert.Equal(t, "cust-42", frame.CustomerID)
	assert.Equal(t, 220.4, frame.Voltage)
	assert.True(t, frame.Relay1)
	assert.False(t, frame.Relay2)

	reading := frame.Reading(time.UnixMilli(1700000000000))
	assert.Equal(t, 0.68, reading.ActivePower)
	assert.Equal(t, map[string]bool{"relay1": true, "relay2": false}, reading.Relays)
}

func TestParseFrameSkipsNonDataFrames(t *testing.T) {
	_, ok, err := ParseFrame([]byte(`{"type":"boot","msg":"hello"}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseFrameRejectsMalformedLine(t *testing.T) {
	_, _, err := ParseFrame([]byte(`not json at all`))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestParseFrameRejectsMissingRequiredField(t *testing.T) {
	_, _, err := ParseFrame([]byte(`{"type":"data","deviceId":"dev-1","voltage":220}`))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestParseFrameRejectsNegativeMeasurement(t *testing.T) {
	_, _, err := ParseFrame([]byte(`{"type":"data","deviceId":"dev-1","customerId":"c","voltage":-5,"current":0,"activePower":0,"energy":0,"cost":0,"uptime":0}`))
	require.Error(t, err)
}

func TestParseInboundKnownKinds(t *testing.T) {
	for _, kind := range []string{
		KindJoinRoom, KindLeaveRoom, KindNotify,
		KindTelemetry, KindCommandResult, KindReportRequest,
	} {
		in, err := ParseInbound([]byte(`{"kind":"` + kind + `","payload":{}}`))
		require.NoError(t, err, kind)
		assert.Equal(t, kind, in.Kind)
	}
}

func TestParseInboundRejectsUnknownKind(t *testing.T) {
	_, err := ParseInbound([]byte(`{"kind":"subscribe","payload":{}}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownEventKind)
}

func TestInboundDecode(t *testing.T) {
	in, err := ParseInbound([]byte(`{"kind":"join_room","payload":{"room":"org:7:alerts"}}`))
	require.NoError(t, err)

	var req JoinRoomRequest
	require.NoError(t, in.Decode(&req))
	assert.Equal(t, "org:7:alerts", req.Room)
}

func TestInboundDecodeEmptyPayload(t *testing.T) {
	in, err := ParseInbound([]byte(`{"kind":"join_room"}`))
	require.NoError(t, err)

	var req JoinRoomRequest
	assert.Error(t, in.Decode(&req))
}

func TestRestoreDirectiveFormat(t *testing.T) {
	line := string(RestoreDirective(12.5, 540.25))
	assert.True(t, strings.HasPrefix(line, "RESTORE:"))
	assert.True(t, strings.HasSuffix(line, "\n"))
	assert.Equal(t, "RESTORE:12.500000:540.250000\n", line)
}
