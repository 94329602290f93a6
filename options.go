package clusterdb

import (
	"log/slog"
)

// DefaultMaxClusterBytes is the per-cluster byte budget used by the split
// policy unless WithMaxClusterBytes is given.
const DefaultMaxClusterBytes = 64 << 10

// Residency decides which clusters stay in memory.
//
// It is implemented by KeepResident and LoadOnDemand.
type Residency interface {
	preload() bool
	limit() int
}

// KeepResident loads every cluster when the repository is opened and never
// evicts one.
type KeepResident struct{}

func (KeepResident) preload() bool { return true }
func (KeepResident) limit() int    { return 0 }

// LoadOnDemand loads clusters when they are first accessed and evicts the
// least recently used clean clusters once more than MaxResident are loaded.
//
// Dirty clusters are never evicted, so the limit may be exceeded until the
// next flush.
type LoadOnDemand struct {
	// MaxResident defaults to 1.
	MaxResident int
}

func (LoadOnDemand) preload() bool { return false }

func (l LoadOnDemand) limit() int {
	if l.MaxResident <= 0 {
		return 1
	}
	return l.MaxResident
}

// Option configures a Repository.
type Option func(*options)

type options struct {
	residency       Residency
	maxClusterBytes int
	ext             string
}

func defaultOptions() options {
	return options{
		residency:       KeepResident{},
		maxClusterBytes: DefaultMaxClusterBytes,
	}
}

// WithResidency selects the residency strategy. The default is KeepResident.
func WithResidency(r Residency) Option {
	return func(o *options) {
		if r != nil {
			o.residency = r
		}
	}
}

// WithMaxClusterBytes sets the byte budget of one cluster.
func WithMaxClusterBytes(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxClusterBytes = n
		}
	}
}

// WithExtension sets the extension of the files written by the repository.
func WithExtension(ext string) Option {
	return func(o *options) {
		o.ext = ext
	}
}

// RegistryOption configures a Registry.
type RegistryOption func(*registryOptions)

type registryOptions struct {
	logger      *slog.Logger
	history     bool
	authorName  string
	authorEmail string
}

// WithLogger sets the logger used by the registry and its repositories.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(o *registryOptions) {
		o.logger = l
	}
}

// WithHistory records every flush as a git commit in the registry root,
// authored by name and email.
func WithHistory(name, email string) RegistryOption {
	return func(o *registryOptions) {
		o.history = true
		o.authorName = name
		o.authorEmail = email
	}
}
