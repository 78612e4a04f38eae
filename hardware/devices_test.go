package hardware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/electricautomaticchile/Websocket-api/event"
	"github.com/electricautomaticchile/Websocket-api/permission"
)

func TestRegisterKeepsFirstSeen(t *testing.T) {
	d := NewDeviceRegistry()
	first := d.Register(permission.DeviceOwnership{DeviceID: "pm-0017", CustomerID: "cust-42"})
	second := d.Register(permission.DeviceOwnership{DeviceID: "pm-0017", CustomerID: "cust-42"})

	assert.Same(t, first, second)
	assert.Equal(t, 1, d.Len())
}

func TestUpdateReadingReturnsPrevious(t *testing.T) {
	d := NewDeviceRegistry()
	d.Register(permission.DeviceOwnership{DeviceID: "pm-0017", CustomerID: "cust-42"})

	_, ok := d.UpdateReading("pm-0017", event.Reading{Energy: 10, At: time.Now()})
	assert.True(t, ok)

	previous, ok := d.UpdateReading("pm-0017", event.Reading{Energy: 12, At: time.Now()})
	assert.True(t, ok)
	assert.Equal(t, 10.0, previous.Energy)

	_, ok = d.UpdateReading("pm-9999", event.Reading{})
	assert.False(t, ok)
}

func TestOwnershipLookup(t *testing.T) {
	d := NewDeviceRegistry()
	d.Register(permission.DeviceOwnership{DeviceID: "pm-0017", CustomerID: "cust-42", OrganizationID: "org-7"})

	ownership, ok := d.Ownership("pm-0017")
	assert.True(t, ok)
	assert.Equal(t, "org-7", ownership.OrganizationID)

	_, ok = d.Ownership("pm-9999")
	assert.False(t, ok)
	assert.False(t, d.Known("pm-9999"))
}
