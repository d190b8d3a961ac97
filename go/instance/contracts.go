// Package instance implements the single-file state machine: an Instance
// wires a SourceAdapter to a SinkPipeline and owns the termination
// protocol (graceful FINISH, source-deletion DELETE, and init failure
// FATAL).
package instance

import (
	"context"

	"github.com/estuary/ingestcore/go/model"
)

// SourceAdapter is the external contract a concrete source fulfills: a
// bounded lazy sequence of messages plus liveness/finish probes. Concrete
// file tailers, directory watchers, and inode trackers are out of scope
// here; this package only depends on this interface.
type SourceAdapter interface {
	Init(profile model.InstanceProfile) bool
	// Read returns the next available message, or nil if nothing is
	// available right now (not a terminal condition).
	Read(ctx context.Context) *model.Message
	// Exists reports false once the underlying source has been removed or
	// rotated beyond recognition.
	Exists() bool
	// Finished reports true once no more data will ever come.
	Finished() bool
	Destroy()
}

// SinkAdapter is the contract Instance drives on the sink side.
// sinkpipeline.Pipeline provides Write and Finished with these signatures
// but has no Init or Destroy (its lifecycle is Start/Shutdown), so it does
// not satisfy this interface on its own.
type SinkAdapter interface {
	Init(profile model.InstanceProfile) bool
	Write(ctx context.Context, msg model.Message) error
	Finished() bool
	Destroy()
}

// SourceFactory and SinkFactory build a concrete adapter for a profile's
// SourceClassTag/SinkClassTag. The registry (registry.go) dispatches on
// these closed, tagged variants rather than reflective class-name
// instantiation.
type SourceFactory func(profile model.InstanceProfile) SourceAdapter
type SinkFactory func(profile model.InstanceProfile) SinkAdapter
