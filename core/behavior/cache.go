// Package behavior compiles user-authored device behavior hooks into
// invocable functions. Hook source is ECMAScript executed in a sandboxed
// goja runtime whose only host capabilities are the ones explicitly
// installed by the Runner.
package behavior

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
)

// ErrInvalidHook reports a hook whose source failed to compile. The failure
// is cached permanently; only the first compile attempt returns this error.
var ErrInvalidHook = errors.New("behavior: invalid hook source")

// Key builds the cache key for a hook. Two hooks share a compiled program
// only when model identity, hook name, argument signature and source all
// match.
func Key(archGuid, hookName string, args []string, source string) string {
	return archGuid + "|" + hookName + "|" + strings.Join(args, ",") + "|" + source
}

type entry struct {
	prog    *goja.Program
	invalid bool
}

// Cache holds compiled behavior hooks shared by every device instance of an
// architecture device. Compilation for a given key happens at most once;
// permanent failures are cached as an invalid sentinel and never retried.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	compiles int
}

// NewCache creates an empty Cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*entry)}
}

// Program returns the compiled program for the hook, compiling it on first
// use. A nil program with a nil error means the key was previously marked
// invalid; callers must not retry. ErrInvalidHook is wrapped into the error
// returned on the first failed compile only.
func (c *Cache) Program(archGuid, hookName string, args []string, source string) (*goja.Program, error) {
	key := Key(archGuid, hookName, args, source)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		if e.invalid {
			return nil, nil
		}
		return e.prog, nil
	}
	c.compiles++
	// The source is the function body; wrap it so the declared argument
	// names become the only bindings the hook sees.
	wrapped := fmt.Sprintf("(function(%s){\n%s\n})", strings.Join(args, ", "), source)
	prog, err := goja.Compile(hookName, wrapped, true)
	if err != nil {
		c.entries[key] = &entry{invalid: true}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidHook, hookName, err)
	}
	c.entries[key] = &entry{prog: prog}
	return prog, nil
}

// CompileCount reports how many compile attempts were performed.
func (c *Cache) CompileCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compiles
}
