package stage

import "sync"

// Context holds the variable bindings visible to a stage. Bindings are read
// during assembly and only extended after a stage fully succeeds, so a
// failed stage never advances them.
type Context struct {
	mu   sync.RWMutex
	vars map[string]any
}

// NewContext creates a context seeded with the given initial bindings.
func NewContext(initial map[string]any) *Context {
	vars := make(map[string]any, len(initial))
	for k, v := range initial {
		vars[k] = v
	}
	return &Context{vars: vars}
}

// Get retrieves a single binding.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	val, ok := c.vars[key]
	return val, ok
}

// GetAll returns a copy of all bindings, safe for callers to mutate.
func (c *Context) GetAll() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	copied := make(map[string]any, len(c.vars))
	for k, v := range c.vars {
		copied[k] = v
	}
	return copied
}

// Publish merges saved values from a successful stage into the context,
// overwriting existing bindings of the same name.
func (c *Context) Publish(saved map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range saved {
		c.vars[k] = v
	}
}
