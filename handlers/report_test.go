package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/electricautomaticchile/Websocket-api/auth"
	"github.com/electricautomaticchile/Websocket-api/event"
	"github.com/electricautomaticchile/Websocket-api/registry"
)

func startReporter(t *testing.T, rooms *registry.Registry, gen ReportGenerator) *Reporter {
	t.Helper()
	r := NewReporter(rooms, gen, 1, 8, nil)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop(time.Second) })
	return r
}

func TestReportRequestIsQueuedAndDelivered(t *testing.T) {
	rooms := registry.New()
	gen := GeneratorFunc(func(_ context.Context, job ReportJob) (map[string]any, error) {
		return map[string]any{"totalEnergy": 1284.77, "customer": job.Request.CustomerID}, nil
	})
	d := New(rooms, WithReporter(startReporter(t, rooms, gen)))

	conn := addConn(rooms, customerClaims("cust-42"))

	require.NoError(t, d.HandleInbound(context.Background(), conn,
		inbound(t, event.KindReportRequest, event.ReportRequest{Kind: "consumption"})))

	queued := nextEnvelope(t, conn)
	assert.Equal(t, event.Notification, queued.Event)
	assert.Equal(t, "queued", queued.Payload["status"])
	reportID := queued.Payload["reportId"]

	ready := nextEnvelope(t, conn)
	assert.Equal(t, "ready", ready.Payload["status"])
	assert.Equal(t, reportID, ready.Payload["reportId"])

	report, ok := ready.Payload["report"].(map[string]any)
	require.True(t, ok)
	// the customer scope was forced onto the request
	assert.Equal(t, "cust-42", report["customer"])
}

func TestReportGenerationFailureIsReported(t *testing.T) {
	rooms := registry.New()
	gen := GeneratorFunc(func(context.Context, ReportJob) (map[string]any, error) {
		return nil, assert.AnError
	})
	d := New(rooms, WithReporter(startReporter(t, rooms, gen)))

	conn := addConn(rooms, customerClaims("cust-42"))

	require.NoError(t, d.HandleInbound(context.Background(), conn,
		inbound(t, event.KindReportRequest, event.ReportRequest{Kind: "forecast"})))

	queued := nextEnvelope(t, conn)
	assert.Equal(t, "queued", queued.Payload["status"])

	failed := nextEnvelope(t, conn)
	assert.Equal(t, "failed", failed.Payload["status"])
	assert.NotEmpty(t, failed.Payload["error"])
}

func TestReportForForeignCustomerDenied(t *testing.T) {
	rooms := registry.New()
	d := New(rooms, WithReporter(startReporter(t, rooms, nil)))
	conn := addConn(rooms, customerClaims("cust-42"))

	err := d.HandleInbound(context.Background(), conn,
		inbound(t, event.KindReportRequest, event.ReportRequest{Kind: "consumption", CustomerID: "cust-99"}))
	assert.Error(t, err)
	noEnvelope(t, conn)
}

func TestReportForForeignOrgDeviceDenied(t *testing.T) {
	rooms := registry.New()
	d := New(rooms,
		WithDeviceResolver(devices),
		WithReporter(startReporter(t, rooms, nil)))
	conn := addConn(rooms, auth.Claims{IdentityID: "o2", Role: auth.RoleOrganization, OrganizationID: "org-9"})

	err := d.HandleInbound(context.Background(), conn,
		inbound(t, event.KindReportRequest, event.ReportRequest{Kind: "consumption", DeviceID: "pm-0017"}))
	assert.Error(t, err)
}

func TestReportWithoutReporterRejected(t *testing.T) {
	rooms := registry.New()
	d := New(rooms)
	conn := addConn(rooms, customerClaims("cust-42"))

	err := d.HandleInbound(context.Background(), conn,
		inbound(t, event.KindReportRequest, event.ReportRequest{Kind: "consumption"}))
	assert.Error(t, err)
}
