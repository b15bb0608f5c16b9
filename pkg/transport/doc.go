// Package transport exposes devices to other processes.
//
// A Registry maps names to devices. A Server serves a Registry over a
// stream listener: each connection attaches to one device and owns one
// handle on it for its lifetime. Requests and responses are CBOR maps with
// integer keys; readable signals are pushed to the connection as responses
// with ID 0.
package transport
