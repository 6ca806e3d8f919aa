package core

import "sync"

// Guard ties a release function to a borrowed resource such as a locked
// native surface. Release runs the function at most once.
type Guard struct {
	once    sync.Once
	release func()
}

// NewGuard returns a guard for release.
func NewGuard(release func()) *Guard {
	return &Guard{release: release}
}

// Release runs the release function the first time it is called.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		if g.release != nil {
			g.release()
		}
	})
}

// With runs fn while the resource is held and releases it on every exit path.
func With(g *Guard, fn func() error) error {
	defer g.Release()
	return fn()
}
