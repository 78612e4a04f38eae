// Package handlers implements the server side of the client message
// protocol: room membership requests, notifications, socket-submitted
// telemetry, command results, hardware command submission, and report
// requests. All authorization decisions delegate to the permission
// package; report generation runs on a worker pool off the dispatch path.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/electricautomaticchile/Websocket-api/auth"
	"github.com/electricautomaticchile/Websocket-api/errors"
	"github.com/electricautomaticchile/Websocket-api/event"
	"github.com/electricautomaticchile/Websocket-api/metric"
	"github.com/electricautomaticchile/Websocket-api/permission"
	"github.com/electricautomaticchile/Websocket-api/registry"
)

// CommandLink is the outbound command surface of the hardware supervisor.
// The physical link is owned by the supervisor; everything else goes
// through this interface.
type CommandLink interface {
	SendCommand(ctx context.Context, deviceID, command, commandID string) error
}

// DeviceResolver resolves device ownership for authorization checks
type DeviceResolver interface {
	Ownership(deviceID string) (permission.DeviceOwnership, bool)
}

// Dispatcher routes decoded client messages to their kind handlers. It
// implements registry.InboundHandler.
type Dispatcher struct {
	rooms    *registry.Registry
	devices  DeviceResolver
	link     CommandLink
	reporter *Reporter
	metrics  *metric.MetricsRegistry
	logger   *slog.Logger
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithCommandLink wires the hardware command path (nil disables)
func WithCommandLink(link CommandLink) Option {
	return func(d *Dispatcher) { d.link = link }
}

// WithDeviceResolver wires device ownership resolution (nil means every
// device is unknown and denied below operator)
func WithDeviceResolver(devices DeviceResolver) Option {
	return func(d *Dispatcher) { d.devices = devices }
}

// WithReporter wires asynchronous report handling (nil rejects report
// requests)
func WithReporter(reporter *Reporter) Option {
	return func(d *Dispatcher) { d.reporter = reporter }
}

// WithMetricsRegistry enables dispatch metrics (nil disables)
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(d *Dispatcher) { d.metrics = registry }
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger.With("component", "handlers")
		}
	}
}

// New creates a dispatcher publishing through the given registry
func New(rooms *registry.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		rooms:  rooms,
		logger: slog.Default().With("component", "handlers"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HandleInbound implements registry.InboundHandler
func (d *Dispatcher) HandleInbound(ctx context.Context, conn *registry.Connection, in event.Inbound) error {
	var err error
	switch in.Kind {
	case event.KindJoinRoom:
		err = d.handleJoin(conn, in)
	case event.KindLeaveRoom:
		err = d.handleLeave(conn, in)
	case event.KindNotify:
		err = d.handleNotify(ctx, conn, in)
	case event.KindTelemetry:
		err = d.handleTelemetry(ctx, conn, in)
	case event.KindCommandResult:
		err = d.handleCommandResult(ctx, conn, in)
	case event.KindReportRequest:
		err = d.handleReportRequest(conn, in)
	default:
		err = errors.WrapInvalid(errors.ErrUnknownEventKind, "Dispatcher", "HandleInbound",
			fmt.Sprintf("kind %q", in.Kind))
	}

	if d.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		d.metrics.Metrics.InboundMessages.WithLabelValues(in.Kind, outcome).Inc()
	}
	return err
}

func (d *Dispatcher) handleJoin(conn *registry.Connection, in event.Inbound) error {
	var req event.JoinRoomRequest
	if err := in.Decode(&req); err != nil {
		return err
	}
	if req.Room == "" {
		return errors.WrapInvalid(errors.ErrUnknownRoom, "Dispatcher", "handleJoin", "empty room name")
	}

	if !permission.CanJoinRoom(conn.Claims, req.Room, d.resolveRoomDevice(req.Room)) {
		d.logger.Warn("room join denied",
			"identity", conn.Claims.IdentityID, "role", conn.Claims.Role, "room", req.Room)
		return errors.WrapInvalid(errors.ErrPermissionDenied, "Dispatcher", "handleJoin", req.Room)
	}

	d.rooms.Join(conn, req.Room)
	return d.ack(conn, event.RoomJoined, map[string]any{"room": req.Room})
}

func (d *Dispatcher) handleLeave(conn *registry.Connection, in event.Inbound) error {
	var req event.LeaveRoomRequest
	if err := in.Decode(&req); err != nil {
		return err
	}
	if req.Room == "" {
		return errors.WrapInvalid(errors.ErrUnknownRoom, "Dispatcher", "handleLeave", "empty room name")
	}

	d.rooms.Leave(conn, req.Room)
	return d.ack(conn, event.RoomLeft, map[string]any{"room": req.Room})
}

// handleNotify publishes a notification into a target room. The sender
// must hold (or be allowed to join) the target room; critical severity is
// reserved for operators so a tenant cannot trigger the visibility-bypass
// path.
func (d *Dispatcher) handleNotify(ctx context.Context, conn *registry.Connection, in event.Inbound) error {
	var req event.NotifyRequest
	if err := in.Decode(&req); err != nil {
		return err
	}
	if req.Room == "" {
		return errors.WrapInvalid(errors.ErrUnknownRoom, "Dispatcher", "handleNotify", "empty room name")
	}
	severity := req.Severity
	if severity == "" {
		severity = event.SeverityLow
	}
	if !severity.Valid() {
		return errors.WrapInvalid(errors.ErrInvalidFrame, "Dispatcher", "handleNotify",
			fmt.Sprintf("unknown severity %q", req.Severity))
	}
	if severity == event.SeverityCritical && conn.Claims.Role != auth.RoleOperator {
		return errors.WrapInvalid(errors.ErrPermissionDenied, "Dispatcher", "handleNotify",
			"critical notifications are operator-only")
	}
	if !permission.CanJoinRoom(conn.Claims, req.Room, d.resolveRoomDevice(req.Room)) {
		return errors.WrapInvalid(errors.ErrPermissionDenied, "Dispatcher", "handleNotify", req.Room)
	}

	ev := event.New(event.Notification, req.Payload)
	ev.Severity = severity
	ev.OwnerCustomerID = conn.Claims.CustomerID
	ev.OwnerOrganizationID = conn.Claims.OrganizationID
	// membership in the target room was authorized at join time, so every
	// member may see the notification
	ev.VisibleToRoles = []string{
		string(auth.RoleOperator), string(auth.RoleOrganization), string(auth.RoleCustomer),
	}

	d.rooms.Publish(ctx, req.Room, ev)
	return nil
}

func (d *Dispatcher) handleTelemetry(ctx context.Context, conn *registry.Connection, in event.Inbound) error {
	var req event.TelemetryRequest
	if err := in.Decode(&req); err != nil {
		return err
	}
	return d.PublishTelemetry(ctx, conn.Claims, req)
}

func (d *Dispatcher) handleCommandResult(ctx context.Context, conn *registry.Connection, in event.Inbound) error {
	var req event.CommandResultReport
	if err := in.Decode(&req); err != nil {
		return err
	}
	return d.PublishCommandResult(ctx, req)
}

// PublishTelemetry fans a submitted measurement out as a sensor update.
// Customers may only submit under their own scope; the submission path is
// the same for socket and HTTP ingestion.
func (d *Dispatcher) PublishTelemetry(ctx context.Context, claims auth.Claims, req event.TelemetryRequest) error {
	if req.DeviceID == "" || len(req.Metrics) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidFrame, "Dispatcher", "PublishTelemetry",
			"deviceId and metrics are required")
	}

	customerID := req.CustomerID
	if claims.Role == auth.RoleCustomer {
		if customerID != "" && customerID != claims.CustomerID {
			return errors.WrapInvalid(errors.ErrPermissionDenied, "Dispatcher", "PublishTelemetry",
				"telemetry for a foreign customer")
		}
		customerID = claims.CustomerID
	}

	ev := event.New(event.SensorUpdate, req.Metrics)
	ev.DeviceID = req.DeviceID
	ev.OwnerCustomerID = customerID
	ev.OwnerOrganizationID = claims.OrganizationID
	if ownership, ok := d.resolveDevice(req.DeviceID); ok {
		if ev.OwnerCustomerID == "" {
			ev.OwnerCustomerID = ownership.CustomerID
		}
		if ev.OwnerOrganizationID == "" {
			ev.OwnerOrganizationID = ownership.OrganizationID
		}
	}

	d.publishDeviceScoped(ctx, ev)
	return nil
}

// PublishCommandResult republishes a device-side command acknowledgement
// to everyone watching the device
func (d *Dispatcher) PublishCommandResult(ctx context.Context, req event.CommandResultReport) error {
	if req.DeviceID == "" || req.CommandID == "" || req.Command == "" {
		return errors.WrapInvalid(errors.ErrInvalidFrame, "Dispatcher", "PublishCommandResult",
			"deviceId, commandId and command are required")
	}

	payload := map[string]any{
		"deviceId":  req.DeviceID,
		"commandId": req.CommandID,
		"command":   req.Command,
		"success":   req.Success,
	}
	if req.Detail != "" {
		payload["detail"] = req.Detail
	}

	ev := event.New(event.CommandResult, payload)
	ev.DeviceID = req.DeviceID
	if ownership, ok := d.resolveDevice(req.DeviceID); ok {
		ev.OwnerCustomerID = ownership.CustomerID
		ev.OwnerOrganizationID = ownership.OrganizationID
	}

	d.publishDeviceScoped(ctx, ev)
	return nil
}

// AlertRequest is an alert submitted through the HTTP ingestion surface
type AlertRequest struct {
	DeviceID       string         `json:"deviceId,omitempty"`
	Severity       event.Severity `json:"severity"`
	Message        string         `json:"message"`
	CustomerID     string         `json:"customerId,omitempty"`
	OrganizationID string         `json:"organizationId,omitempty"`
	VisibleToRoles []string       `json:"visibleToRoles,omitempty"`
}

// PublishAlert grades and fans out an alert. Critical alerts are broadcast
// to every connection; lower severities reach the owning scopes' rooms.
// Only operators and organizations may raise alerts, and organizations only
// within their own scope.
func (d *Dispatcher) PublishAlert(ctx context.Context, claims auth.Claims, req AlertRequest) error {
	if req.Message == "" {
		return errors.WrapInvalid(errors.ErrInvalidFrame, "Dispatcher", "PublishAlert",
			"message is required")
	}
	severity := req.Severity
	if severity == "" {
		severity = event.SeverityMedium
	}
	if !severity.Valid() {
		return errors.WrapInvalid(errors.ErrInvalidFrame, "Dispatcher", "PublishAlert",
			fmt.Sprintf("unknown severity %q", req.Severity))
	}

	switch claims.Role {
	case auth.RoleOperator:
	case auth.RoleOrganization:
		if req.OrganizationID != "" && req.OrganizationID != claims.OrganizationID {
			return errors.WrapInvalid(errors.ErrPermissionDenied, "Dispatcher", "PublishAlert",
				"alert for a foreign organization")
		}
		req.OrganizationID = claims.OrganizationID
	default:
		return errors.WrapInvalid(errors.ErrPermissionDenied, "Dispatcher", "PublishAlert",
			"alerts are operator or organization only")
	}

	ev := event.New(event.Alert, map[string]any{
		"message":  req.Message,
		"deviceId": req.DeviceID,
		"severity": string(severity),
	})
	ev.Severity = severity
	ev.DeviceID = req.DeviceID
	ev.OwnerCustomerID = req.CustomerID
	ev.OwnerOrganizationID = req.OrganizationID
	ev.VisibleToRoles = req.VisibleToRoles
	if len(ev.VisibleToRoles) == 0 {
		// the target rooms already scope delivery; without an explicit
		// list, any member role may see the alert
		ev.VisibleToRoles = []string{
			string(auth.RoleOperator), string(auth.RoleOrganization), string(auth.RoleCustomer),
		}
	}

	if severity == event.SeverityCritical {
		d.rooms.Broadcast(ctx, ev)
		return nil
	}

	// customer-scoped alerts go to the customer room plus the org's own
	// room; unscoped ones go to the shared org alert room, which already
	// includes the org's customers. The union publish delivers once per
	// connection, so a device-room watcher also holding a scope room does
	// not see the alert twice.
	targets := make([]string, 0, 3)
	switch {
	case req.CustomerID != "":
		targets = append(targets, fmt.Sprintf("customer:%s", req.CustomerID))
		if req.OrganizationID != "" {
			targets = append(targets, fmt.Sprintf("org:%s", req.OrganizationID))
		}
	case req.OrganizationID != "":
		targets = append(targets, fmt.Sprintf("org:%s:alerts", req.OrganizationID))
	}
	if req.DeviceID != "" {
		targets = append(targets, fmt.Sprintf("device:%s", req.DeviceID))
	}
	d.rooms.PublishRooms(ctx, targets, ev)
	return nil
}

// handleReportRequest authorizes and queues an asynchronous report job.
// The result comes back later as a notification on the requester's
// identity room.
func (d *Dispatcher) handleReportRequest(conn *registry.Connection, in event.Inbound) error {
	var req event.ReportRequest
	if err := in.Decode(&req); err != nil {
		return err
	}
	if req.Kind == "" {
		return errors.WrapInvalid(errors.ErrInvalidFrame, "Dispatcher", "handleReportRequest",
			"report kind is required")
	}
	if d.reporter == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "Dispatcher", "handleReportRequest",
			"report handling is not configured")
	}

	switch conn.Claims.Role {
	case auth.RoleCustomer:
		if req.CustomerID != "" && req.CustomerID != conn.Claims.CustomerID {
			return errors.WrapInvalid(errors.ErrPermissionDenied, "Dispatcher", "handleReportRequest",
				"report for a foreign customer")
		}
		req.CustomerID = conn.Claims.CustomerID
	case auth.RoleOrganization:
		if req.DeviceID != "" {
			ownership, ok := d.resolveDevice(req.DeviceID)
			if !ok || ownership.OrganizationID != conn.Claims.OrganizationID {
				return errors.WrapInvalid(errors.ErrPermissionDenied, "Dispatcher", "handleReportRequest",
					"report for a foreign device")
			}
		}
	}

	job := ReportJob{
		ID:      uuid.NewString(),
		Claims:  conn.Claims,
		Request: req,
	}
	if err := d.reporter.Submit(job); err != nil {
		return errors.WrapTransient(err, "Dispatcher", "handleReportRequest", "queue report job")
	}
	return d.ack(conn, event.Notification, map[string]any{
		"reportId": job.ID,
		"status":   "queued",
	})
}

// SubmitCommand validates and writes a hardware command through the
// supervisor's breaker-gated link. Returns the generated command id the
// device will echo back in its command_result.
func (d *Dispatcher) SubmitCommand(ctx context.Context, claims auth.Claims, deviceID, command string) (string, error) {
	if deviceID == "" || command == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidFrame, "Dispatcher", "SubmitCommand",
			"deviceId and command are required")
	}
	target, _ := d.resolveDevice(deviceID)
	if !permission.CanExecuteCommand(claims, command, target) {
		d.logger.Warn("command denied",
			"identity", claims.IdentityID, "role", claims.Role,
			"device_id", deviceID, "command", command)
		return "", errors.WrapInvalid(errors.ErrPermissionDenied, "Dispatcher", "SubmitCommand", command)
	}
	if d.link == nil {
		return "", errors.WrapTransient(errors.ErrLinkClosed, "Dispatcher", "SubmitCommand",
			"no hardware link configured")
	}

	commandID := uuid.NewString()
	if err := d.link.SendCommand(ctx, deviceID, command, commandID); err != nil {
		return "", err
	}
	d.logger.Info("command submitted",
		"identity", claims.IdentityID, "device_id", deviceID,
		"command", command, "command_id", commandID)
	return commandID, nil
}

// publishDeviceScoped fans an event out to the device room and, when the
// owning customer is known, the customer room
func (d *Dispatcher) publishDeviceScoped(ctx context.Context, ev event.Event) {
	d.rooms.Publish(ctx, fmt.Sprintf("device:%s", ev.DeviceID), ev)
	if ev.OwnerCustomerID != "" {
		d.rooms.Publish(ctx, fmt.Sprintf("customer:%s", ev.OwnerCustomerID), ev)
	}
}

// ack sends a direct acknowledgement to one connection, bypassing rooms
func (d *Dispatcher) ack(conn *registry.Connection, name string, payload map[string]any) error {
	data, err := event.New(name, payload).Encode()
	if err != nil {
		return err
	}
	return conn.Enqueue(data)
}

// resolveRoomDevice extracts the device id from a device room name and
// resolves its ownership; non-device rooms get a zero ownership
func (d *Dispatcher) resolveRoomDevice(room string) permission.DeviceOwnership {
	deviceID, ok := strings.CutPrefix(room, "device:")
	if !ok {
		return permission.DeviceOwnership{}
	}
	ownership, _ := d.resolveDevice(deviceID)
	return ownership
}

func (d *Dispatcher) resolveDevice(deviceID string) (permission.DeviceOwnership, bool) {
	if d.devices == nil {
		return permission.DeviceOwnership{}, false
	}
	return d.devices.Ownership(deviceID)
}
