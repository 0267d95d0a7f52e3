// Package harness drives heterogeneous AI coding CLIs behind one
// runtime interface. Command-driven tools are spawned as subprocesses
// and speak a JSON completion envelope; service-driven tools are
// reached over HTTP with a server-sent-event stream. A factory resolves
// harness identifiers (including known synonyms) to adapters.
package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/gantrylabs/gantry/pkg/types"
)

// EventSink receives normalized runtime events as a run progresses.
// Adapters call it with exactly one terminal completion event per run.
type EventSink func(types.RuntimeEvent)

// Runtime executes a run for one harness family.
type Runtime interface {
	Name() string
	Run(ctx context.Context, req *types.RunRequest, sink EventSink) types.RunResult
}

// RuntimeKind tags how an adapter reaches its tool.
type RuntimeKind string

const (
	KindCommand RuntimeKind = "command"
	KindService RuntimeKind = "service"
)

// Resolution is the factory's answer for a harness identifier.
type Resolution struct {
	Primary  Runtime
	Fallback Runtime // optional
	Kind     RuntimeKind
}

type registration struct {
	runtime  Runtime
	fallback string
	kind     RuntimeKind
}

// Factory maps normalized harness names to registered adapters. New
// harnesses are added by registering a variant, never by reflection.
type Factory struct {
	registry map[string]*registration
	synonyms map[string]string
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{
		registry: make(map[string]*registration),
		synonyms: make(map[string]string),
	}
}

// Register adds a runtime under its canonical name. fallbackName may be
// empty; it is resolved lazily so registration order does not matter.
func (f *Factory) Register(rt Runtime, kind RuntimeKind, fallbackName string, synonyms ...string) {
	canonical := normalizeName(rt.Name())
	f.registry[canonical] = &registration{runtime: rt, fallback: fallbackName, kind: kind}
	for _, s := range synonyms {
		f.synonyms[normalizeName(s)] = canonical
	}
}

// Resolve returns the adapter set for a harness identifier. Unknown
// identifiers fail before any resource is allocated.
func (f *Factory) Resolve(name string) (Resolution, error) {
	key := normalizeName(name)
	if canonical, ok := f.synonyms[key]; ok {
		key = canonical
	}

	reg, ok := f.registry[key]
	if !ok {
		return Resolution{}, fmt.Errorf("unsupported harness %q", name)
	}

	res := Resolution{Primary: reg.runtime, Kind: reg.kind}
	if reg.fallback != "" {
		if fb, ok := f.registry[normalizeName(reg.fallback)]; ok {
			res.Fallback = fb.runtime
		}
	}
	return res, nil
}

// Known returns the canonical names of all registered harnesses.
func (f *Factory) Known() []string {
	names := make([]string, 0, len(f.registry))
	for name := range f.registry {
		names = append(names, name)
	}
	return names
}

// normalizeName folds case and separator differences so that
// "Open Code", "open-code" and "opencode" all hit the same entry.
func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "")
	name = strings.ReplaceAll(name, "-", "")
	name = strings.ReplaceAll(name, "_", "")
	return name
}
