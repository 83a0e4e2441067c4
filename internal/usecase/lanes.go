package usecase

import (
	"context"
	"sync"
)

// lanes serializes turns per conversation in arrival order. Each holder
// waits for the channel of the turn that arrived before it.
type lanes struct {
	mu sync.Mutex
	m  map[string]*lane
}

type lane struct {
	tail chan struct{}
	refs int
}

func newLanes() *lanes {
	return &lanes{m: make(map[string]*lane)}
}

// acquire blocks until every earlier turn for id has released. A waiter whose
// ctx ends gives up its place, but its successor still waits for the turns
// ahead of it.
func (l *lanes) acquire(ctx context.Context, id string) (release func(), err error) {
	l.mu.Lock()
	ln, ok := l.m[id]
	if !ok {
		ln = &lane{}
		l.m[id] = ln
	}
	ln.refs++
	prev := ln.tail
	mine := make(chan struct{})
	ln.tail = mine
	l.mu.Unlock()

	var once sync.Once
	done := func() {
		once.Do(func() {
			close(mine)
			l.mu.Lock()
			ln.refs--
			if ln.refs == 0 {
				delete(l.m, id)
			}
			l.mu.Unlock()
		})
	}

	if prev == nil {
		return done, nil
	}
	select {
	case <-prev:
		return done, nil
	case <-ctx.Done():
		go func() {
			<-prev
			done()
		}()
		return nil, ctx.Err()
	}
}

// size reports how many conversations currently have turns queued or running.
func (l *lanes) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
