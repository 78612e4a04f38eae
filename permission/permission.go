// Package permission is the single authorization surface of the server.
// Every call site asks one of four questions: can this subscriber view an
// event, what redacted copy do they receive, may they execute a command,
// and which rooms do their claims derive. All functions are pure over
// auth.Claims and event data, hold no state, and are safe from any
// goroutine.
package permission

import (
	"fmt"
	"slices"

	"github.com/electricautomaticchile/Websocket-api/auth"
	"github.com/electricautomaticchile/Websocket-api/event"
)

// Command names grouped by tier. Destructive commands are operator-only,
// operational commands need operator or the owning organization, read-only
// commands need only ownership of the target device.
const (
	CommandResetDevice    = "reset_device"
	CommandFirmwareUpdate = "firmware_update"
	CommandRelayOn        = "relay_on"
	CommandRelayOff       = "relay_off"
	CommandRestart        = "restart"
	CommandGetStatus      = "get_status"
	CommandReadMeter      = "read_meter"
)

// Tier is the privilege level a command demands
type Tier int

const (
	// TierUnknown marks a command name outside the known set
	TierUnknown Tier = iota
	// TierReadOnly commands observe state without changing it
	TierReadOnly
	// TierOperational commands change device state reversibly
	TierOperational
	// TierDestructive commands are irreversible or disruptive
	TierDestructive
)

// CommandTier classifies a command name. Unknown commands map to
// TierUnknown and are never permitted.
func CommandTier(command string) Tier {
	switch command {
	case CommandResetDevice, CommandFirmwareUpdate:
		return TierDestructive
	case CommandRelayOn, CommandRelayOff, CommandRestart:
		return TierOperational
	case CommandGetStatus, CommandReadMeter:
		return TierReadOnly
	default:
		return TierUnknown
	}
}

// DeviceOwnership is the resolved ownership of a target device, supplied by
// the caller (device registry lookup) so this package stays free of I/O
type DeviceOwnership struct {
	DeviceID       string
	CustomerID     string
	OrganizationID string
}

// CanViewEvent decides whether a subscriber may receive an event.
// Operators always pass. Critical-severity events pass for every role
// regardless of the visibility list: a misconfigured list must never
// suppress a life-safety alert. Otherwise an explicit visibility list,
// when present, decides; absent a list, ownership equality decides.
func CanViewEvent(claims auth.Claims, ev event.Event) bool {
	if claims.Role == auth.RoleOperator {
		return true
	}
	if ev.Severity == event.SeverityCritical {
		return true
	}
	if len(ev.VisibleToRoles) > 0 {
		return slices.Contains(ev.VisibleToRoles, string(claims.Role))
	}
	return ownsEvent(claims, ev)
}

// ownsEvent checks ownership equality between claims and the event scopes
func ownsEvent(claims auth.Claims, ev event.Event) bool {
	switch claims.Role {
	case auth.RoleOrganization:
		return ev.OwnerOrganizationID != "" && ev.OwnerOrganizationID == claims.OrganizationID
	case auth.RoleCustomer:
		return ev.OwnerCustomerID != "" && ev.OwnerCustomerID == claims.CustomerID
	default:
		return false
	}
}

// internalFields never leave the platform boundary for non-operators
var internalFields = []string{"firmware", "rssi", "freeHeap", "linkHealth"}

// costFields carry tenant billing detail
var costFields = []string{"cost", "tariff", "billingPeriod"}

// FilterPayload returns the redacted copy of an event a subscriber is
// allowed to see. Operators receive the event unchanged. Organizations
// lose internal device health fields. Customers additionally lose cost
// breakdowns on events they do not own. The input event is never mutated.
func FilterPayload(claims auth.Claims, ev event.Event) event.Event {
	switch claims.Role {
	case auth.RoleOperator:
		return ev
	case auth.RoleOrganization:
		return ev.Redacted(internalFields...)
	default:
		drop := internalFields
		if ev.OwnerCustomerID == "" || ev.OwnerCustomerID != claims.CustomerID {
			drop = append(slices.Clone(internalFields), costFields...)
		}
		return ev.Redacted(drop...)
	}
}

// CanExecuteCommand decides whether a subscriber may issue a command
// against a device. The ownership argument comes from the device registry;
// a zero DeviceOwnership (device unknown) denies everything below operator.
func CanExecuteCommand(claims auth.Claims, command string, target DeviceOwnership) bool {
	switch CommandTier(command) {
	case TierDestructive:
		return claims.Role == auth.RoleOperator
	case TierOperational:
		if claims.Role == auth.RoleOperator {
			return true
		}
		return claims.Role == auth.RoleOrganization &&
			target.OrganizationID != "" && target.OrganizationID == claims.OrganizationID
	case TierReadOnly:
		if claims.Role == auth.RoleOperator {
			return true
		}
		if claims.Role == auth.RoleOrganization {
			return target.OrganizationID != "" && target.OrganizationID == claims.OrganizationID
		}
		return target.CustomerID != "" && target.CustomerID == claims.CustomerID
	default:
		return false
	}
}

// RoomsFor derives the automatic room memberships of a subscriber from
// their claims. The result is deterministic for equal claims; device rooms
// are not included here, they are joined on demand and validated by
// CanJoinRoom.
func RoomsFor(claims auth.Claims) []string {
	rooms := []string{
		fmt.Sprintf("identity:%s", claims.IdentityID),
		fmt.Sprintf("role:%s", claims.Role),
	}
	switch claims.Role {
	case auth.RoleOrganization:
		rooms = append(rooms,
			fmt.Sprintf("org:%s", claims.OrganizationID),
			fmt.Sprintf("org:%s:alerts", claims.OrganizationID))
	case auth.RoleCustomer:
		rooms = append(rooms, fmt.Sprintf("customer:%s", claims.CustomerID))
		if claims.OrganizationID != "" {
			rooms = append(rooms, fmt.Sprintf("org:%s:alerts", claims.OrganizationID))
		}
	}
	return rooms
}

// CanJoinRoom validates an on-demand room join against ownership. Device
// rooms require the resolved ownership of the device; rooms already in
// RoomsFor are always joinable (idempotent re-join).
func CanJoinRoom(claims auth.Claims, room string, target DeviceOwnership) bool {
	if claims.Role == auth.RoleOperator {
		return true
	}
	if slices.Contains(RoomsFor(claims), room) {
		return true
	}
	if room == fmt.Sprintf("device:%s", target.DeviceID) && target.DeviceID != "" {
		switch claims.Role {
		case auth.RoleOrganization:
			return target.OrganizationID != "" && target.OrganizationID == claims.OrganizationID
		case auth.RoleCustomer:
			return target.CustomerID != "" && target.CustomerID == claims.CustomerID
		}
	}
	return false
}
