// Package netctx tracks the contexts drop requests are executed in. A context
// binds a name to one network namespace and that namespace's connection table.
package netctx

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"firestige.xyz/dropsock/internal/config"
	"firestige.xyz/dropsock/internal/conntable"
	"firestige.xyz/dropsock/internal/core"
	"firestige.xyz/dropsock/internal/log"
	"firestige.xyz/dropsock/internal/metrics"
)

// Context is handed to every request targeting its namespace. Its fields are
// never mutated after creation.
type Context struct {
	Name    string
	Netns   string
	Table   conntable.Table
	Created time.Time

	inflight sync.WaitGroup // requests taken through Acquire
}

// Info is the listing form of a Context.
type Info struct {
	Name    string    `json:"name"`
	Netns   string    `json:"netns,omitempty"`
	Created time.Time `json:"created"`
}

// Opener builds the connection table of a new context.
type Opener func(spec config.ContextConfig) (conntable.Table, error)

// Hook observes context lifecycle. Create hooks may veto by returning an
// error; destroy hooks must tolerate contexts whose create hooks failed.
type Hook func(c *Context) error

// Registry owns every live context.
type Registry struct {
	open Opener

	mu        sync.RWMutex
	contexts  map[string]*Context
	onCreate  []Hook
	onDestroy []Hook
}

// NewRegistry creates an empty registry.
func NewRegistry(open Opener) *Registry {
	return &Registry{
		open:     open,
		contexts: make(map[string]*Context),
	}
}

// OnCreate registers a hook run after a context is added.
func (r *Registry) OnCreate(h Hook) {
	r.mu.Lock()
	r.onCreate = append(r.onCreate, h)
	r.mu.Unlock()
}

// OnDestroy registers a hook run after a context is removed, before its
// table is closed.
func (r *Registry) OnDestroy(h Hook) {
	r.mu.Lock()
	r.onDestroy = append(r.onDestroy, h)
	r.mu.Unlock()
}

// Create opens the context's table, registers it and runs the create hooks.
// A name already in use fails with core.ErrContextExists.
func (r *Registry) Create(spec config.ContextConfig) (*Context, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if _, err := r.Get(spec.Name); err == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrContextExists, spec.Name)
	}

	table, err := r.open(spec)
	if err != nil {
		return nil, fmt.Errorf("open table for context %s: %w", spec.Name, err)
	}
	c := &Context{
		Name:    spec.Name,
		Netns:   spec.Netns,
		Table:   table,
		Created: time.Now(),
	}

	r.mu.Lock()
	if _, ok := r.contexts[c.Name]; ok {
		r.mu.Unlock()
		table.Close()
		return nil, fmt.Errorf("%w: %s", core.ErrContextExists, spec.Name)
	}
	r.contexts[c.Name] = c
	hooks := append([]Hook(nil), r.onCreate...)
	r.mu.Unlock()

	for _, h := range hooks {
		if err := h(c); err != nil {
			r.remove(c)
			return nil, fmt.Errorf("create context %s: %w", c.Name, err)
		}
	}

	metrics.Contexts.Inc()
	log.GetLogger().WithFields(map[string]interface{}{
		"context": c.Name,
		"netns":   c.Netns,
	}).Info("context created")
	return c, nil
}

// Destroy unregisters the context and runs the destroy hooks. The table is
// closed once every request taken through Acquire has released it.
func (r *Registry) Destroy(name string) error {
	r.mu.Lock()
	c, ok := r.contexts[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrContextNotFound, name)
	}
	if err := r.remove(c); err != nil {
		return err
	}
	metrics.Contexts.Dec()
	log.GetLogger().WithField("context", name).Info("context destroyed")
	return nil
}

func (r *Registry) remove(c *Context) error {
	r.mu.Lock()
	if r.contexts[c.Name] != c {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrContextNotFound, c.Name)
	}
	delete(r.contexts, c.Name)
	hooks := append([]Hook(nil), r.onDestroy...)
	r.mu.Unlock()

	for _, h := range hooks {
		if err := h(c); err != nil {
			log.GetLogger().WithError(err).WithField("context", c.Name).Warn("context destroy hook failed")
		}
	}
	c.inflight.Wait()
	return c.Table.Close()
}

// Acquire returns the named context and keeps its table open until release
// is called. release may be called more than once.
func (r *Registry) Acquire(name string) (*Context, func(), error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contexts[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", core.ErrContextNotFound, name)
	}
	c.inflight.Add(1)
	var once sync.Once
	return c, func() { once.Do(c.inflight.Done) }, nil
}

// Get returns the named context. Use Acquire when the table must stay open
// for the duration of a request.
func (r *Registry) Get(name string) (*Context, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contexts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrContextNotFound, name)
	}
	return c, nil
}

// List returns every context sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.contexts))
	for _, c := range r.contexts {
		out = append(out, Info{Name: c.Name, Netns: c.Netns, Created: c.Created})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of contexts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contexts)
}

// Close destroys every context.
func (r *Registry) Close() error {
	var first error
	for _, info := range r.List() {
		if err := r.Destroy(info.Name); err != nil && first == nil {
			first = err
		}
	}
	return first
}
