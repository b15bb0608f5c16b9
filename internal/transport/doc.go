// Package transport contains socket helpers for the device control channel.
package transport
