// Package control implements the websocket control channel. Every session
// gets its own hub, attached to one shared HTTP listener under a
// session-specific path.
package control

import (
	"net/http"
	"sync"
)

// Listener multiplexes session control channels onto one HTTP server. Paths
// are attached and detached as sessions come and go, which http.ServeMux
// does not support.
type Listener struct {
	mu       sync.RWMutex
	handlers map[string]http.Handler
}

// NewListener creates an empty listener.
func NewListener() *Listener {
	return &Listener{handlers: make(map[string]http.Handler)}
}

// Attach registers a handler for an exact path, replacing any previous one.
func (l *Listener) Attach(path string, h http.Handler) {
	l.mu.Lock()
	l.handlers[path] = h
	l.mu.Unlock()
}

// Detach removes the handler for the path.
func (l *Listener) Detach(path string) {
	l.mu.Lock()
	delete(l.handlers, path)
	l.mu.Unlock()
}

func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.mu.RLock()
	h := l.handlers[r.URL.Path]
	l.mu.RUnlock()
	if h == nil {
		http.NotFound(w, r)
		return
	}
	h.ServeHTTP(w, r)
}
