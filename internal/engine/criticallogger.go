package engine

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// criticalLogger watches the event loop's activity timestamp and logs
// loudly if an iteration hasn't landed within deadlockTimeout. It never
// calls os.Exit: deciding what is engine-fatal belongs to the event
// loop itself, so this is observability only.
type criticalLogger struct {
	log             *logrus.Entry
	mu              sync.Mutex
	lastActivity    time.Time
	deadlockTimeout time.Duration
	ctx             context.Context
	cancel          context.CancelFunc
	stopped         bool
}

func newCriticalLogger(log *logrus.Entry, deadlockTimeout time.Duration) *criticalLogger {
	ctx, cancel := context.WithCancel(context.Background())
	cl := &criticalLogger{
		log:             log,
		lastActivity:    time.Now(),
		deadlockTimeout: deadlockTimeout,
		ctx:             ctx,
		cancel:          cancel,
	}
	go cl.monitor()
	return cl
}

// touch records that the event loop made progress.
func (cl *criticalLogger) touch() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.lastActivity = time.Now()
}

func (cl *criticalLogger) monitor() {
	ticker := time.NewTicker(cl.deadlockTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-cl.ctx.Done():
			return
		case <-ticker.C:
			cl.mu.Lock()
			idle := time.Since(cl.lastActivity)
			if idle > cl.deadlockTimeout {
				cl.log.WithFields(logrus.Fields{
					"idle":  idle,
					"stack": string(debug.Stack()),
				}).Error("engine: no loop iteration within deadlock timeout")
			}
			cl.mu.Unlock()
		}
	}
}

// stop tears down the monitor goroutine. Safe to call more than once.
func (cl *criticalLogger) stop() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if !cl.stopped {
		cl.stopped = true
		cl.cancel()
	}
}
