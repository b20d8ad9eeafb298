package session

import (
	"sync"

	"shantyman/pkg/logging"
)

// Disposable is the capability a tracked resource must expose to be
// reclaimed with its session. It is a compile-time contract, not a
// runtime reflection check.
type Disposable interface {
	Dispose() error
}

// DisposableFunc adapts a plain function to the Disposable interface.
type DisposableFunc func() error

// Dispose implements Disposable.
func (f DisposableFunc) Dispose() error { return f() }

// ResourceScope tracks the resources owned exclusively by one session.
// No cross-session sharing: disposing the scope reclaims everything it
// tracks, exactly once.
type ResourceScope struct {
	mu        sync.Mutex
	resources []Disposable
	disposed  bool
}

// NewResourceScope returns an empty scope.
func NewResourceScope() *ResourceScope {
	return &ResourceScope{}
}

// Track registers a resource for disposal with the scope. Tracking
// after disposal disposes the resource immediately.
func (s *ResourceScope) Track(d Disposable) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		_ = d.Dispose()
		return
	}
	s.resources = append(s.resources, d)
	s.mu.Unlock()
}

// Size reports how many resources are currently tracked.
func (s *ResourceScope) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resources)
}

// DisposeAll disposes every tracked resource. A failing disposal is
// logged and counted but never aborts the sweep. Calling DisposeAll a
// second time is a no-op.
func (s *ResourceScope) DisposeAll(logger logging.Logger) (disposed, failed int) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return 0, 0
	}
	s.disposed = true
	resources := s.resources
	s.resources = nil
	s.mu.Unlock()

	for _, d := range resources {
		if err := d.Dispose(); err != nil {
			failed++
			logger.WithError(err).Warn("Resource disposal failed")
			continue
		}
		disposed++
	}
	return disposed, failed
}
