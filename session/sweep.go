package session

import (
	"sync"
	"time"
)

// sweepInterval is how often backends without native expiry purge idle
// sessions.
const sweepInterval = 5 * time.Minute

type sweeper struct {
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func startSweeper(interval time.Duration, fn func()) *sweeper {
	sw := &sweeper{stopCh: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(sw.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sw.stopCh:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	return sw
}

// stop halts the loop and waits for an in-flight sweep to finish.
func (sw *sweeper) stop() {
	sw.stopOnce.Do(func() { close(sw.stopCh) })
	<-sw.done
}
