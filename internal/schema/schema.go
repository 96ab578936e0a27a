// Package schema holds the frozen 1.0.0 JSON Schemas for every kernel
// artifact and trace event payload, compiled once into a Registry that is
// passed explicitly into the evaluators. Schemas are embedded at build
// time; they are versioned contracts, never hot-swapped.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const baseURL = "https://gavel.schemas.local/v1/"

// Artifact names accepted by Registry.ValidateArtifact.
const (
	ArtifactTraceEvent    = "trace_event"
	ArtifactGateReport    = "gate_report"
	ArtifactVerdict       = "verdict"
	ArtifactContract      = "contract"
	ArtifactEnforceResult = "enforce_result"
)

// eventTypes lists every trace event type with a registered payload schema.
var eventTypes = []string{
	"gate.start",
	"gate.risk",
	"gate.end",
	"contract.load",
	"enforce.block",
	"enforce.allow",
	"verdict.emit",
	"error",
}

// Registry holds the compiled validators. Construct one at process start
// with New() and inject it wherever validation is needed; there is no
// package-level mutable state.
type Registry struct {
	artifacts map[string]*jsonschema.Schema
	payloads  map[string]*jsonschema.Schema
}

// New compiles all embedded schemas into a Registry.
func New() (*Registry, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("reading embedded schemas: %w", err)
	}
	for _, entry := range entries {
		data, err := schemaFS.ReadFile("schemas/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading schema %s: %w", entry.Name(), err)
		}
		if err := c.AddResource(baseURL+entry.Name(), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("registering schema %s: %w", entry.Name(), err)
		}
	}

	r := &Registry{
		artifacts: make(map[string]*jsonschema.Schema),
		payloads:  make(map[string]*jsonschema.Schema),
	}

	for _, name := range []string{
		ArtifactTraceEvent, ArtifactGateReport, ArtifactVerdict,
		ArtifactContract, ArtifactEnforceResult,
	} {
		compiled, err := c.Compile(baseURL + name + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("compiling %s schema: %w", name, err)
		}
		r.artifacts[name] = compiled
	}

	for _, et := range eventTypes {
		compiled, err := c.Compile(baseURL + "event_payloads.schema.json#/$defs/" + et)
		if err != nil {
			return nil, fmt.Errorf("compiling payload schema for %s: %w", et, err)
		}
		r.payloads[et] = compiled
	}

	return r, nil
}

// EventTypes returns the registered event types in sorted order.
func (r *Registry) EventTypes() []string {
	types := make([]string, 0, len(r.payloads))
	for et := range r.payloads {
		types = append(types, et)
	}
	sort.Strings(types)
	return types
}

// KnownEventType reports whether a payload schema is registered for the
// given event type.
func (r *Registry) KnownEventType(eventType string) bool {
	_, ok := r.payloads[eventType]
	return ok
}

// ValidateArtifact checks v against the named artifact schema. v may be a
// struct or a decoded JSON value; structs are round-tripped through JSON
// so their tags apply.
func (r *Registry) ValidateArtifact(name string, v any) error {
	compiled, ok := r.artifacts[name]
	if !ok {
		return fmt.Errorf("no schema registered for artifact %q", name)
	}
	return validate(compiled, name, v)
}

// ValidatePayload checks a trace event payload against the schema
// registered for its event type.
func (r *Registry) ValidatePayload(eventType string, payload any) error {
	compiled, ok := r.payloads[eventType]
	if !ok {
		return fmt.Errorf("no payload schema registered for event type %q", eventType)
	}
	return validate(compiled, eventType, payload)
}

// validate round-trips v through JSON so struct tags and custom marshalers
// apply, then runs the compiled schema over the generic value.
func validate(compiled *jsonschema.Schema, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: marshaling for validation: %w", name, err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return fmt.Errorf("%s: decoding for validation: %w", name, err)
	}
	if err := compiled.Validate(generic); err != nil {
		return fmt.Errorf("%s: schema validation failed: %w", name, err)
	}
	return nil
}
