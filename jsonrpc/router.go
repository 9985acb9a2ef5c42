package jsonrpc

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// WILDCARD subscribes to every notification.
const WILDCARD = "*"

type NotificationHandler interface {
	HandleNotification(method string, params json.RawMessage) error
}

// HandlerFunc adapts a plain function to NotificationHandler.
type HandlerFunc func(method string, params json.RawMessage) error

func (f HandlerFunc) HandleNotification(method string, params json.RawMessage) error {
	return f(method, params)
}

// Subscription identifies one registered handler.
type Subscription struct {
	id      uint64
	pattern string
}

func (s Subscription) Pattern() string {
	return s.pattern
}

func (s Subscription) Valid() bool {
	return s.id != 0
}

type route struct {
	id      uint64
	pattern string
	handler NotificationHandler
}

// HandlerError wraps a failure raised by a single notification handler.
type HandlerError struct {
	Method  string
	Pattern string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("notification handler for %q (pattern %q) failed: %v", e.Method, e.Pattern, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Router dispatches notifications to handlers by exact method name, glob
// pattern (e.g. "notify_*") or WILDCARD.
type Router struct {
	mu       sync.RWMutex
	nextID   uint64
	exact    map[string][]route
	patterns []route
}

func NewRouter() *Router {
	return &Router{
		exact: make(map[string][]route),
	}
}

func (r *Router) Subscribe(pattern string, handler NotificationHandler) (Subscription, error) {
	if pattern == "" {
		return Subscription{}, fmt.Errorf("subscription pattern cannot be empty")
	}
	if handler == nil {
		return Subscription{}, fmt.Errorf("subscription handler cannot be nil")
	}
	isPattern := pattern != WILDCARD && hasMeta(pattern)
	if isPattern && !doublestar.ValidatePattern(pattern) {
		return Subscription{}, fmt.Errorf("invalid subscription pattern %q", pattern)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	rt := route{id: r.nextID, pattern: pattern, handler: handler}
	if isPattern || pattern == WILDCARD {
		r.patterns = append(r.patterns, rt)
	} else {
		r.exact[pattern] = append(r.exact[pattern], rt)
	}

	return Subscription{id: rt.id, pattern: pattern}, nil
}

func (r *Router) Unsubscribe(sub Subscription) bool {
	if !sub.Valid() {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if routes, ok := r.exact[sub.pattern]; ok {
		for i, rt := range routes {
			if rt.id == sub.id {
				routes = append(routes[:i:i], routes[i+1:]...)
				if len(routes) == 0 {
					delete(r.exact, sub.pattern)
				} else {
					r.exact[sub.pattern] = routes
				}
				return true
			}
		}
	}

	for i, rt := range r.patterns {
		if rt.id == sub.id {
			r.patterns = append(r.patterns[:i:i], r.patterns[i+1:]...)
			return true
		}
	}

	return false
}

// Dispatch runs every matching handler in turn. A failing or panicking
// handler does not stop the others; its failure is returned.
func (r *Router) Dispatch(method string, params json.RawMessage) []error {
	var errs []error
	for _, rt := range r.match(method) {
		if err := invoke(rt, method, params); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Len reports the number of registered handlers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.patterns)
	for _, routes := range r.exact {
		n += len(routes)
	}
	return n
}

func (r *Router) match(method string) []route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]route, 0, len(r.exact[method]))
	matched = append(matched, r.exact[method]...)
	for _, rt := range r.patterns {
		if rt.pattern == WILDCARD {
			matched = append(matched, rt)
			continue
		}
		if ok, _ := doublestar.Match(rt.pattern, method); ok {
			matched = append(matched, rt)
		}
	}
	return matched
}

func invoke(rt route, method string, params json.RawMessage) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &HandlerError{Method: method, Pattern: rt.pattern, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	if herr := rt.handler.HandleNotification(method, params); herr != nil {
		return &HandlerError{Method: method, Pattern: rt.pattern, Err: herr}
	}
	return nil
}

func hasMeta(pattern string) bool {
	for _, c := range pattern {
		switch c {
		case '*', '?', '[', '{', '\\':
			return true
		}
	}
	return false
}
