package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/electricautomaticchile/Websocket-api/event"
)

func TestConnectionStatusString(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
}

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
}

func TestNewClientRejectsBadOptions(t *testing.T) {
	_, err := NewClient("nats://localhost:4222", WithReconnectWait(0))
	assert.Error(t, err)

	_, err = NewClient("nats://localhost:4222", WithTimeout(-time.Second))
	assert.Error(t, err)

	_, err = NewClient("nats://localhost:4222", WithClientName(""))
	assert.Error(t, err)
}

func TestNilClientIsDisabledBackplane(t *testing.T) {
	var c *Client
	assert.False(t, c.IsHealthy())
	assert.NoError(t, c.Publish(context.Background(), "websocket-api.room.x", []byte("{}")))
	assert.NoError(t, c.Close(context.Background()))
}

func TestPublishWithoutConnectionIsTransient(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	err = c.Publish(context.Background(), "websocket-api.room.x", []byte("{}"))
	assert.Error(t, err)
}

// fakeBucket is an in-memory stand-in for the JetStream KV bucket
type fakeBucket struct {
	entries map[string][]byte
	putErr  error
}

func (f *fakeBucket) Put(_ context.Context, key string, value []byte) (uint64, error) {
	if f.putErr != nil {
		return 0, f.putErr
	}
	if f.entries == nil {
		f.entries = make(map[string][]byte)
	}
	f.entries[key] = value
	return 1, nil
}

func (f *fakeBucket) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	value, ok := f.entries[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return fakeEntry{key: key, value: value}, nil
}

type fakeEntry struct {
	key   string
	value []byte
}

func (e fakeEntry) Bucket() string                  { return SnapshotBucket }
func (e fakeEntry) Key() string                     { return e.key }
func (e fakeEntry) Value() []byte                   { return e.value }
func (e fakeEntry) Revision() uint64                { return 1 }
func (e fakeEntry) Created() time.Time              { return time.Time{} }
func (e fakeEntry) Delta() uint64                   { return 0 }
func (e fakeEntry) Operation() jetstream.KeyValueOp { return jetstream.KeyValuePut }

func TestSnapshotStoreRoundTrip(t *testing.T) {
	store := NewSnapshotStoreFromBucket(&fakeBucket{})

	snapshot := DeviceSnapshot{
		DeviceID:   "pm-0017",
		CustomerID: "cust-42",
		Reading:    event.Reading{Voltage: 231.4, Energy: 1284.77, Cost: 385.4},
		SavedAt:    time.Now(),
	}
	require.NoError(t, store.Save(context.Background(), snapshot))

	loaded, err := store.Load(context.Background(), "pm-0017")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "cust-42", loaded.CustomerID)
	assert.Equal(t, 1284.77, loaded.Reading.Energy)
}

func TestSnapshotStoreLoadMissingIsNil(t *testing.T) {
	store := NewSnapshotStoreFromBucket(&fakeBucket{})

	loaded, err := store.Load(context.Background(), "pm-9999")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSnapshotStoreRejectsEmptyDeviceID(t *testing.T) {
	store := NewSnapshotStoreFromBucket(&fakeBucket{})
	assert.Error(t, store.Save(context.Background(), DeviceSnapshot{}))
}
