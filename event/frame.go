package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/electricautomaticchile/Websocket-api/errors"
)

// FrameTypeData is the only frame discriminator the supervisor processes;
// anything else (boot banners, debug output) is discarded
const FrameTypeData = "data"

// frameSchema validates the shape of a data frame before any field is
// trusted. Actuator fields (relay1, relay2, ...) are intentionally open.
const frameSchema = `{
	"type": "object",
	"required": ["type", "deviceId", "customerId", "voltage", "current", "activePower", "energy", "cost", "uptime"],
	"properties": {
		"type":        {"type": "string"},
		"deviceId":    {"type": "string", "minLength": 1},
		"customerId":  {"type": "string", "minLength": 1},
		"voltage":     {"type": "number", "minimum": 0},
		"current":     {"type": "number", "minimum": 0},
		"activePower": {"type": "number", "minimum": 0},
		"energy":      {"type": "number", "minimum": 0},
		"cost":        {"type": "number", "minimum": 0},
		"uptime":      {"type": "number", "minimum": 0}
	}
}`

var compiledFrameSchema = gojsonschema.NewStringLoader(frameSchema)

// DeviceFrame is one newline-delimited JSON record from the hardware link
type DeviceFrame struct {
	Type        string  `json:"type"`
	DeviceID    string  `json:"deviceId"`
	CustomerID  string  `json:"customerId"`
	Voltage     float64 `json:"voltage"`
	Current     float64 `json:"current"`
	ActivePower float64 `json:"activePower"`
	Energy      float64 `json:"energy"`
	Cost        float64 `json:"cost"`
	Uptime      int64   `json:"uptime"`
	Relay1      bool    `json:"relay1"`
	Relay2      bool    `json:"relay2"`
}

// ParseFrame validates one raw line as a well-formed data frame. Non-data
// frames return (frame, false, nil) so the caller can skip them without
// treating them as corruption; malformed lines return an ErrInvalidFrame.
func ParseFrame(line []byte) (DeviceFrame, bool, error) {
	var frame DeviceFrame

	// Cheap discriminator peek before full schema validation
	var discriminator struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &discriminator); err != nil {
		return frame, false, errors.WrapInvalid(errors.ErrInvalidFrame, "ParseFrame", "decode",
			fmt.Sprintf("not a JSON object: %v", err))
	}
	if discriminator.Type != FrameTypeData {
		return frame, false, nil
	}

	result, err := gojsonschema.Validate(compiledFrameSchema, gojsonschema.NewBytesLoader(line))
	if err != nil {
		return frame, false, errors.WrapInvalid(errors.ErrInvalidFrame, "ParseFrame", "validate", err.Error())
	}
	if !result.Valid() {
		return frame, false, errors.WrapInvalid(errors.ErrInvalidFrame, "ParseFrame", "validate",
			fmt.Sprintf("schema violation: %v", result.Errors()))
	}

	if err := json.Unmarshal(line, &frame); err != nil {
		return frame, false, errors.WrapInvalid(errors.ErrInvalidFrame, "ParseFrame", "decode", err.Error())
	}
	return frame, true, nil
}

// Reading converts the frame into a normalized measurement snapshot
func (f DeviceFrame) Reading(at time.Time) Reading {
	return Reading{
		Voltage:     f.Voltage,
		Current:     f.Current,
		ActivePower: f.ActivePower,
		Energy:      f.Energy,
		Cost:        f.Cost,
		Uptime:      f.Uptime,
		Relays:      map[string]bool{"relay1": f.Relay1, "relay2": f.Relay2},
		At:          at,
	}
}
