package event

import (
	"encoding/json"
	"fmt"

	"github.com/electricautomaticchile/Websocket-api/errors"
)

// Inbound client message kinds
const (
	KindJoinRoom      = "join_room"
	KindLeaveRoom     = "leave_room"
	KindNotify        = "notify"
	KindTelemetry     = "telemetry"
	KindCommandResult = "command_result"
	KindReportRequest = "report_request"
)

// Inbound is the tagged envelope of every client-to-server message. The
// payload is decoded lazily by the handler that owns the kind.
type Inbound struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinRoomRequest asks for membership in a named room
type JoinRoomRequest struct {
	Room string `json:"room"`
}

// LeaveRoomRequest drops membership in a named room
type LeaveRoomRequest struct {
	Room string `json:"room"`
}

// NotifyRequest publishes a notification into a target room
type NotifyRequest struct {
	Room     string         `json:"room"`
	Severity Severity       `json:"severity,omitempty"`
	Payload  map[string]any `json:"payload"`
}

// TelemetryRequest carries a measurement submitted over the socket rather
// than the hardware link
type TelemetryRequest struct {
	DeviceID   string         `json:"deviceId"`
	CustomerID string         `json:"customerId,omitempty"`
	Metrics    map[string]any `json:"metrics"`
}

// CommandResultReport is a device-side acknowledgement of an issued command
type CommandResultReport struct {
	DeviceID  string `json:"deviceId"`
	CommandID string `json:"commandId"`
	Command   string `json:"command"`
	Success   bool   `json:"success"`
	Detail    string `json:"detail,omitempty"`
}

// ReportRequest asks for an asynchronous analytics report
type ReportRequest struct {
	Kind       string `json:"kind"`
	DeviceID   string `json:"deviceId,omitempty"`
	CustomerID string `json:"customerId,omitempty"`
	From       int64  `json:"from,omitempty"`
	To         int64  `json:"to,omitempty"`
}

// ParseInbound decodes one raw client message into its envelope, rejecting
// unknown kinds so a typo cannot silently no-op
func ParseInbound(raw []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return in, errors.WrapInvalid(errors.ErrInvalidFrame, "ParseInbound", "decode", err.Error())
	}
	switch in.Kind {
	case KindJoinRoom, KindLeaveRoom, KindNotify, KindTelemetry, KindCommandResult, KindReportRequest:
		return in, nil
	default:
		return in, errors.WrapInvalid(errors.ErrUnknownEventKind, "ParseInbound", "dispatch",
			fmt.Sprintf("unknown message kind %q", in.Kind))
	}
}

// Decode unmarshals the envelope payload into the kind-specific request type
func (in Inbound) Decode(v any) error {
	if len(in.Payload) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidFrame, "Inbound", "decode", "empty payload")
	}
	if err := json.Unmarshal(in.Payload, v); err != nil {
		return errors.WrapInvalid(errors.ErrInvalidFrame, "Inbound", "decode", err.Error())
	}
	return nil
}

// RestoreDirective encodes the accumulator restore line pushed to a device
// after reconnect, newline terminated for the line-oriented link
func RestoreDirective(energy, cost float64) []byte {
	return []byte(fmt.Sprintf("RESTORE:%.6f:%.6f\n", energy, cost))
}
