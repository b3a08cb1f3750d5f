// core/registry.go
package core

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/chhz0/actionq/metrics"
	"github.com/chhz0/actionq/types"
)

// HandlerRecord is an immutable registration: the action name, its handler and
// the executor the handler's owner asked for.
type HandlerRecord struct {
	action   string
	handler  any
	executor string
}

func (r *HandlerRecord) Action() string   { return r.action }
func (r *HandlerRecord) Handler() any     { return r.handler }
func (r *HandlerRecord) Executor() string { return r.executor }

func (r *HandlerRecord) String() string {
	return fmt.Sprintf("%s{handler=%s, executor=%s}", r.action, describe(r.handler), r.executor)
}

// Duplicate describes a registration that replaced an existing handler.
type Duplicate struct {
	Action   string
	Current  *HandlerRecord
	Previous *HandlerRecord
}

type snapshot = map[string]*HandlerRecord

// ActionRegistry maps action names to handler records.
//
// Readers load the published snapshot once and never lock. Writers serialize
// on mu, copy the snapshot, modify the copy and publish it. A published
// snapshot is never mutated.
type ActionRegistry struct {
	actions atomic.Pointer[snapshot]
	mu      sync.Mutex

	logger      zerolog.Logger
	onDuplicate func(Duplicate)
	// 进程级 prometheus 指标只由对外服务的那个实例上报
	metrics bool
}

type RegistryOption func(*ActionRegistry)

// WithRegistryLogger sets the logger that receives duplicate registration warnings.
func WithRegistryLogger(l zerolog.Logger) RegistryOption {
	return func(r *ActionRegistry) { r.logger = l }
}

// WithDuplicateHook is called, under the writer lock, after a registration
// replaced an existing handler.
func WithDuplicateHook(fn func(Duplicate)) RegistryOption {
	return func(r *ActionRegistry) { r.onDuplicate = fn }
}

// WithRegistryMetrics makes this instance report the process-wide registry
// metrics. Enable it on at most one registry per process.
func WithRegistryMetrics() RegistryOption {
	return func(r *ActionRegistry) { r.metrics = true }
}

func NewActionRegistry(opts ...RegistryOption) *ActionRegistry {
	r := &ActionRegistry{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	empty := snapshot{}
	r.actions.Store(&empty)
	return r
}

// Register maps action to handler, replacing any previous registration.
// Replacing is not an error: it is logged as a warning and reported to the
// duplicate hook. Empty action names and nil handlers panic.
func (r *ActionRegistry) Register(action string, handler any, executor string) {
	if action == "" {
		panic("actionq: register with empty action name")
	}
	if handler == nil {
		panic(fmt.Sprintf("actionq: register nil handler for action [%s]", action))
	}
	rec := &HandlerRecord{action: action, handler: handler, executor: executor}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.actions.Load()
	previous := current[action]

	next := make(snapshot, len(current)+1)
	maps.Copy(next, current)
	next[action] = rec
	r.actions.Store(&next)
	r.recordSize(len(next))

	if previous != nil {
		if r.metrics {
			metrics.RegistryDuplicates.WithLabelValues(action).Inc()
		}
		r.logger.Warn().
			Str("action", action).
			Str("handler", describe(rec.handler)).
			Str("executor", rec.executor).
			Str("previous", describe(previous.handler)).
			Str("previous_executor", previous.executor).
			Msg("registered two handlers for action")
		if r.onDuplicate != nil {
			r.onDuplicate(Duplicate{Action: action, Current: rec, Previous: previous})
		}
	}
}

// Remove drops the registration for action. Removing an unknown action is a no-op.
func (r *ActionRegistry) Remove(action string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.actions.Load()
	next := maps.Clone(current)
	delete(next, action)
	r.actions.Store(&next)
	r.recordSize(len(next))
}

func (r *ActionRegistry) recordSize(n int) {
	if r.metrics {
		metrics.RegistryActions.Set(float64(n))
	}
}

// Lookup returns the record registered under action, or an
// *types.UnknownActionError.
func (r *ActionRegistry) Lookup(action string) (*HandlerRecord, error) {
	rec, ok := (*r.actions.Load())[action]
	if !ok {
		if r.metrics {
			metrics.RegistryUnknownLookups.Inc()
		}
		return nil, &types.UnknownActionError{Action: action}
	}
	return rec, nil
}

func (r *ActionRegistry) Handler(action string) (any, error) {
	rec, err := r.Lookup(action)
	if err != nil {
		return nil, err
	}
	return rec.handler, nil
}

func (r *ActionRegistry) Executor(action string) (string, error) {
	rec, err := r.Lookup(action)
	if err != nil {
		return "", err
	}
	return rec.executor, nil
}

// Actions returns the registered action names in sorted order.
func (r *ActionRegistry) Actions() []string {
	return slices.Sorted(maps.Keys(*r.actions.Load()))
}

// Records returns the registered records ordered by action name.
func (r *ActionRegistry) Records() []*HandlerRecord {
	current := *r.actions.Load()
	records := make([]*HandlerRecord, 0, len(current))
	for _, name := range slices.Sorted(maps.Keys(current)) {
		records = append(records, current[name])
	}
	return records
}

func (r *ActionRegistry) Len() int {
	return len(*r.actions.Load())
}

// As returns the record's handler as H. Callers are responsible for asking
// for the type that was registered under the record's action.
func As[H any](rec *HandlerRecord) (H, error) {
	h, ok := rec.handler.(H)
	if !ok {
		var zero H
		return zero, &types.HandlerTypeError{
			Action: rec.action,
			Want:   reflect.TypeFor[H]().String(),
			Got:    reflect.TypeOf(rec.handler).String(),
		}
	}
	return h, nil
}

// HandlerAs looks up action and returns its handler as H.
func HandlerAs[H any](r *ActionRegistry, action string) (H, error) {
	rec, err := r.Lookup(action)
	if err != nil {
		var zero H
		return zero, err
	}
	return As[H](rec)
}

func describe(handler any) string {
	v := reflect.ValueOf(handler)
	switch v.Kind() {
	case reflect.Pointer, reflect.Func, reflect.Map, reflect.Chan, reflect.Slice, reflect.UnsafePointer:
		return fmt.Sprintf("%T@%#x", handler, v.Pointer())
	default:
		return fmt.Sprintf("%T(%v)", handler, handler)
	}
}
