// Package provider abstracts where configuration bytes come from and how
// changes to them are observed.
package provider

import "context"

// Type identifies a configuration source kind.
type Type string

const (
	TypeFile Type = "file"
)

// Provider loads configuration bytes and optionally watches for changes.
type Provider interface {
	// Type returns the provider kind.
	Type() Type

	// Load reads the current configuration bytes.
	Load(ctx context.Context) ([]byte, error)

	// Watch returns a channel that receives a value whenever the source
	// changes. The channel is closed when the context is cancelled or the
	// provider is closed.
	Watch(ctx context.Context) (<-chan struct{}, error)

	// Close releases provider resources.
	Close() error
}
