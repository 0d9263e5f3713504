// Package strategy defines the Adapter interface through which trading rules
// feed signals to the backtest engine, and a Registry of adapter factories.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/scottjoyner/portfolio-management/internal/domain"
)

// Data is the read-only view of aligned history an adapter is constructed
// with. Window must never return bars past step.
type Data interface {
	Assets() []string
	Time(step int) time.Time
	Window(asset string, step int) []domain.Bar
}

// Adapter is the interface every trading rule implements.
type Adapter interface {
	// Name returns the adapter's identifier, used as the strategy name on
	// positions and trade records.
	Name() string

	// OnBar inspects history through step and returns zero or more signals.
	// It may keep adapter-local state, such as the last month seen, but must
	// not look at bars after step.
	OnBar(ctx context.Context, step int) ([]domain.Signal, error)
}

// Options carries the tunables shared by the built-in adapters. Zero values
// select each adapter's default.
type Options struct {
	TopK        int
	VolWindow   int
	MaxWeight   float64
	MinWeight   float64
	MaxTurnover float64

	// PreviousWeights are the target weights of an earlier run, used as the
	// reference for turnover control on the first rebalance.
	PreviousWeights map[string]float64
}

// Factory builds an adapter bound to data.
type Factory func(data Data, opts Options) (Adapter, error)

// Registry holds the adapter factories available by name.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds factory under name, replacing any earlier registration.
func (r *Registry) Register(name string, factory Factory) {
	r.factories[name] = factory
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.factories[name]
	return ok
}

// New builds the adapter registered as name.
func (r *Registry) New(name string, data Data, opts Options) (Adapter, error) {
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownAdapter, name)
	}
	return factory(data, opts)
}

// List returns the registered names, sorted.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
