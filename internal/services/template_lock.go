package services

import "sync"

// TemplateLocks is a mutex per template id. Entries are dropped once nobody
// holds or waits for them.
type TemplateLocks struct {
	mu    sync.Mutex
	locks map[string]*templateLock
}

type templateLock struct {
	mu   sync.Mutex
	refs int
}

func NewTemplateLocks() *TemplateLocks {
	return &TemplateLocks{locks: make(map[string]*templateLock)}
}

// Lock blocks until the caller owns templateID and returns the release func.
func (l *TemplateLocks) Lock(templateID string) (unlock func()) {
	l.mu.Lock()
	tl, ok := l.locks[templateID]
	if !ok {
		tl = &templateLock{}
		l.locks[templateID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			tl.mu.Unlock()

			l.mu.Lock()
			tl.refs--
			if tl.refs == 0 {
				delete(l.locks, templateID)
			}
			l.mu.Unlock()
		})
	}
}

// Len returns the number of templates currently locked or awaited.
func (l *TemplateLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
