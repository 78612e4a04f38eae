// Package natsclient manages the NATS backplane connection.
//
// The server mirrors every room publish onto a NATS subject so sibling
// processes and external consumers can observe the event stream, and uses
// a JetStream KV bucket as the durable store for last-known device
// readings. A nil *Client disables both concerns, which is how tests and
// standalone deployments run.
package natsclient
