// Package job defines the Runnable contract user code implements and the
// Registry that turns the tagged JSON stored in a task's metadata column
// back into a concrete Runnable to execute. It is the Go rendering of the
// Rust source's typetag-based dynamic dispatch: since Go has no runtime
// reflection over a serde-style type registry, callers register a decoder
// for each tag up front.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/silvertask/taskyard/internal/queue"
)

// Runnable is implemented by any job a caller wants the executor to run.
// Run receives a queue.Querier so job bodies can run their own SQL. The
// executor passes the queue's pooled connection; the claim transaction has
// already been committed, so job work does not run inside it.
type Runnable interface {
	Run(ctx context.Context, q queue.Querier) error
}

// TypeNamer is an optional interface a Runnable can implement to route
// itself onto a non-default task_type lane. Jobs that don't implement it
// run on queue.DefaultTaskType.
type TypeNamer interface {
	TaskType() string
}

// ErrUnknownType is returned by Decode when metadata names a tag with no
// registered factory.
var ErrUnknownType = errors.New("job: unknown task type tag")

// envelope is the wire shape every task's metadata column is expected to
// match: a "type" discriminator plus arbitrary job-specific fields.
type envelope struct {
	Type string `json:"type"`
}

// Factory creates a zero-value Runnable for a tag so Decode has something
// to unmarshal the remaining JSON fields into.
type Factory func() Runnable

// Registry maps a wire tag to the Factory that decodes it.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register associates tag with factory. Registering the same tag twice
// overwrites the previous factory.
func (r *Registry) Register(tag string, factory Factory) {
	r.factories[tag] = factory
}

// Decode reads the "type" field out of metadata, looks up its factory, and
// unmarshals the full document into a fresh instance of that type.
func (r *Registry) Decode(metadata json.RawMessage) (Runnable, error) {
	var env envelope
	if err := json.Unmarshal(metadata, &env); err != nil {
		return nil, fmt.Errorf("job: decode envelope: %w", err)
	}

	factory, ok := r.factories[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	instance := factory()
	if err := json.Unmarshal(metadata, instance); err != nil {
		return nil, fmt.Errorf("job: decode %q: %w", env.Type, err)
	}
	return instance, nil
}

// Encode marshals a Runnable into the tagged wire format Decode expects.
// tag should match what Register was called with for this Runnable's type.
func Encode(tag string, runnable Runnable) (json.RawMessage, error) {
	body, err := json.Marshal(runnable)
	if err != nil {
		return nil, fmt.Errorf("job: encode %q: %w", tag, err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("job: encode %q: runnable must marshal to a JSON object: %w", tag, err)
	}
	fields["type"] = json.RawMessage(fmt.Sprintf("%q", tag))

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("job: encode %q: %w", tag, err)
	}
	return out, nil
}

// TaskTypeOf returns the task_type lane a Runnable should be pushed on:
// its own TaskType() if it implements TypeNamer, otherwise the default.
func TaskTypeOf(r Runnable) string {
	if tn, ok := r.(TypeNamer); ok {
		return tn.TaskType()
	}
	return queue.DefaultTaskType
}
