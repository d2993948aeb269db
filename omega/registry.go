package omega

import (
	"context"
	"errors"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// ErrMethodNotFound is returned for a compensation method nobody registered.
var ErrMethodNotFound = errors.New("compensation method not found")

// CompensationFunc undoes a local transaction. It receives the payload the
// local transaction was started with.
type CompensationFunc func(ctx context.Context, payload []byte) error

// Registry maps compensation method names to the functions implementing
// them. Commands from the coordinator only carry the method name, so every
// method a participant may be asked to run must be registered up front.
type Registry struct {
	methods *xsync.MapOf[string, CompensationFunc]
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		methods: xsync.NewMapOf[string, CompensationFunc](),
	}
}

// Register adds a compensation method.
func (r *Registry) Register(method string, fn CompensationFunc) error {
	if method == "" {
		return errors.New("compensation method name is empty")
	}
	if _, loaded := r.methods.LoadOrStore(method, fn); loaded {
		return fmt.Errorf("compensation method '%s' already registered", method)
	}
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(method string, fn CompensationFunc) {
	if err := r.Register(method, fn); err != nil {
		panic(err)
	}
}

// Get returns the function registered for method.
func (r *Registry) Get(method string) (CompensationFunc, error) {
	fn, ok := r.methods.Load(method)
	if !ok {
		return nil, fmt.Errorf("%s: %w", method, ErrMethodNotFound)
	}
	return fn, nil
}

// Compensate runs method with payload.
func (r *Registry) Compensate(ctx context.Context, method string, payload []byte) error {
	fn, err := r.Get(method)
	if err != nil {
		return err
	}
	return fn(ctx, payload)
}
