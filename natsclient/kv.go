package natsclient

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/electricautomaticchile/Websocket-api/errors"
	"github.com/electricautomaticchile/Websocket-api/event"
)

// SnapshotBucket is the KV bucket holding last-known device readings
const SnapshotBucket = "device-snapshots"

// kvBucket is the slice of jetstream.KeyValue the snapshot store needs,
// narrowed so tests can substitute an in-memory bucket
type kvBucket interface {
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
}

// DeviceSnapshot is the persisted last-known state of one device
type DeviceSnapshot struct {
	DeviceID   string        `json:"deviceId"`
	CustomerID string        `json:"customerId"`
	Reading    event.Reading `json:"reading"`
	SavedAt    time.Time     `json:"savedAt"`
}

// SnapshotStore persists device snapshots to a KV bucket with a per-call
// timeout so a slow store cannot stall the caller
type SnapshotStore struct {
	bucket  kvBucket
	timeout time.Duration
}

// NewSnapshotStore opens (or creates) the snapshot bucket
func (c *Client) NewSnapshotStore(ctx context.Context) (*SnapshotStore, error) {
	bucket, err := c.KeyValueBucket(ctx, SnapshotBucket)
	if err != nil {
		return nil, err
	}
	return &SnapshotStore{bucket: bucket, timeout: 5 * time.Second}, nil
}

// NewSnapshotStoreFromBucket wraps an existing bucket (tests)
func NewSnapshotStoreFromBucket(bucket kvBucket) *SnapshotStore {
	return &SnapshotStore{bucket: bucket, timeout: 5 * time.Second}
}

// Save persists a device snapshot under its device id
func (s *SnapshotStore) Save(ctx context.Context, snapshot DeviceSnapshot) error {
	if snapshot.DeviceID == "" {
		return errors.WrapInvalid(errors.ErrInvalidFrame, "SnapshotStore", "Save", "empty device id")
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return errors.WrapInvalid(err, "SnapshotStore", "Save", "marshal snapshot")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.bucket.Put(ctx, snapshot.DeviceID, data); err != nil {
		return errors.WrapTransient(err, "SnapshotStore", "Save",
			fmt.Sprintf("put snapshot for device %s", snapshot.DeviceID))
	}
	return nil
}

// Load retrieves the snapshot for a device; (nil, nil) when none exists
func (s *SnapshotStore) Load(ctx context.Context, deviceID string) (*DeviceSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	entry, err := s.bucket.Get(ctx, deviceID)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "SnapshotStore", "Load",
			fmt.Sprintf("get snapshot for device %s", deviceID))
	}

	var snapshot DeviceSnapshot
	if err := json.Unmarshal(entry.Value(), &snapshot); err != nil {
		return nil, errors.WrapInvalid(err, "SnapshotStore", "Load",
			fmt.Sprintf("corrupt snapshot for device %s", deviceID))
	}
	return &snapshot, nil
}
