package logic

import (
	"sync/atomic"

	"github.com/randalmurphal/patchbay/pkg/patchbay/registry"
)

type compiled struct {
	body string
	fn   Func
	err  error
}

// Cache holds one compiled Func per instance. A failed compilation is cached
// too, so a broken body is not recompiled every tick.
type Cache struct {
	compiler *Compiler
	entries  *registry.Registry[string, *compiled]
	compiles atomic.Uint64
}

// NewCache creates a cache backed by compiler.
func NewCache(compiler *Compiler) *Cache {
	return &Cache{
		compiler: compiler,
		entries:  registry.New[string, *compiled](),
	}
}

// Get returns the compiled body for an instance, compiling it on first use.
// If the cached entry was compiled from a different body it is replaced.
func (c *Cache) Get(instanceID, body string) (Func, error) {
	entry, _ := c.entries.GetOrCreate(instanceID, func() (*compiled, error) {
		return c.compile(body), nil
	})
	if entry.body != body {
		entry = c.compile(body)
		c.entries.Register(instanceID, entry)
	}
	return entry.fn, entry.err
}

func (c *Cache) compile(body string) *compiled {
	c.compiles.Add(1)
	fn, err := c.compiler.Compile(body)
	return &compiled{body: body, fn: fn, err: err}
}

// Invalidate drops an instance's compiled body.
func (c *Cache) Invalidate(instanceID string) {
	c.entries.Delete(instanceID)
}

// InvalidateFunc drops every entry whose instance ID matches fn and returns
// how many were dropped.
func (c *Cache) InvalidateFunc(fn func(instanceID string) bool) int {
	return c.entries.DeleteFunc(func(id string, _ *compiled) bool {
		return fn(id)
	})
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Compiles returns how many compilations the cache has performed.
func (c *Cache) Compiles() uint64 {
	return c.compiles.Load()
}
