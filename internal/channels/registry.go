package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/atlas/pkg/models"
)

// Registry manages the enabled channel adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.ChannelType]Adapter
}

// NewRegistry creates a new channel registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[models.ChannelType]Adapter),
	}
}

// Register adds an adapter. A second adapter of the same type is an error.
func (r *Registry) Register(adapter Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[adapter.Type()]; exists {
		return fmt.Errorf("channel %s already registered", adapter.Type())
	}
	r.adapters[adapter.Type()] = adapter
	return nil
}

// Get returns an adapter by channel type.
func (r *Registry) Get(channelType models.ChannelType) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[channelType]
	return adapter, ok
}

// All returns all registered adapters ordered by type.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	sort.Slice(adapters, func(i, j int) bool { return adapters[i].Type() < adapters[j].Type() })
	return adapters
}

// StartAll starts every adapter. Adapters already started are stopped
// again when one fails.
func (r *Registry) StartAll(ctx context.Context) error {
	var started []Adapter
	for _, adapter := range r.All() {
		if err := adapter.Start(ctx); err != nil {
			for _, a := range started {
				_ = a.Stop(ctx) //nolint:errcheck
			}
			return fmt.Errorf("start %s: %w", adapter.Type(), err)
		}
		started = append(started, adapter)
	}
	return nil
}

// StopAll stops every adapter and joins the failures.
func (r *Registry) StopAll(ctx context.Context) error {
	var errs []error
	for _, adapter := range r.All() {
		if err := adapter.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", adapter.Type(), err))
		}
	}
	return errors.Join(errs...)
}

// Statuses reports the status of every adapter keyed by type.
func (r *Registry) Statuses() map[models.ChannelType]Status {
	out := make(map[models.ChannelType]Status)
	for _, a := range r.All() {
		out[a.Type()] = a.Status()
	}
	return out
}

// AggregateEvents fans the events of all adapters into one channel. The
// returned channel closes once every adapter's channel has closed or ctx
// ends.
func (r *Registry) AggregateEvents(ctx context.Context) <-chan Event {
	out := make(chan Event)
	var wg sync.WaitGroup

	for _, adapter := range r.All() {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			events := a.Events()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}(adapter)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
