package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// ErrNoHandler is returned when an event kind has no registered handler
var ErrNoHandler = errors.New("no handler registered for event")

// Handler reacts to a domain event
type Handler func(ctx context.Context, ev Event) error

/* Bus is the explicit registry between roster code producing events and the
 * code reacting to them. Handlers are registered at startup.
 */
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *slog.Logger
	inflight sync.WaitGroup
}

// NewBus creates an empty Bus
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

// Register adds a handler for kind
func (b *Bus) Register(kind string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// Kinds returns the registered event kinds, sorted
func (b *Bus) Kinds() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	kinds := make([]string, 0, len(b.handlers))
	for k := range b.handlers {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Has reports whether kind has at least one handler
func (b *Bus) Has(kind string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[kind]) > 0
}

// Emit runs every handler of ev.Kind. Handler errors are logged, never
// returned to the producer.
func (b *Bus) Emit(ctx context.Context, ev Event) error {
	b.mu.RLock()
	handlers := slices.Clone(b.handlers[ev.Kind])
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return fmt.Errorf("emitting %s: %w", ev.Kind, ErrNoHandler)
	}

	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			b.logger.Error("event handler failed",
				"event", ev.Kind,
				"error", err,
			)
		}
	}
	return nil
}

// EmitAsync checks ev.Kind and runs the handlers in the background,
// detached from ctx cancellation. Use Wait to drain on shutdown.
func (b *Bus) EmitAsync(ctx context.Context, ev Event) error {
	if !b.Has(ev.Kind) {
		return fmt.Errorf("emitting %s: %w", ev.Kind, ErrNoHandler)
	}

	detached := context.WithoutCancel(ctx)
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		_ = b.Emit(detached, ev)
	}()
	return nil
}

// Wait blocks until background emits are done
func (b *Bus) Wait() {
	b.inflight.Wait()
}

// AttachAll registers the dispatcher as handler of every kind
func AttachAll(bus *Bus, d *Dispatcher, kinds []string) {
	for _, kind := range kinds {
		bus.Register(kind, func(ctx context.Context, ev Event) error {
			_, err := d.Dispatch(ctx, ev)
			return err
		})
	}
}
