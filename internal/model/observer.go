package model

import stdsync "sync"

// ObserverToken identifies one registered observer. It is returned by
// AddObserver and is the only handle RemoveObserver accepts.
type ObserverToken uint64

// Change describes a model mutation delivered to observers. Hydrated is true
// when the change came from server data rather than a local setter.
type Change struct {
	ModelID  string
	Property string
	Hydrated bool
}

// observers is a token-keyed set of callbacks. The zero value is ready to use.
type observers struct {
	mu   stdsync.Mutex
	next ObserverToken
	fns  map[ObserverToken]func(Change)
}

func (o *observers) add(fn func(Change)) ObserverToken {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.fns == nil {
		o.fns = make(map[ObserverToken]func(Change))
	}

	o.next++
	o.fns[o.next] = fn

	return o.next
}

func (o *observers) remove(tok ObserverToken) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.fns, tok)
}

// notify calls every observer outside the lock so callbacks may add or
// remove observers, or read the model, without deadlocking.
func (o *observers) notify(c Change) {
	o.mu.Lock()
	fns := make([]func(Change), 0, len(o.fns))

	for _, fn := range o.fns {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}
