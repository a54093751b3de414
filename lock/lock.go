// Package lock implements the distributed single-writer lock over a
// types.Coordinator described in spec §4.4: ephemeral-sequential
// acquisition with predecessor-watching, session-loss notification to
// dependents, and reentrant acquire/release matched by reason tags.
package lock

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/streamlog/streamlog/types"
)

// Option configures a Lock at construction.
type Option func(*Lock)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(logger log.Logger) Option {
	return func(l *Lock) { l.logger = logger }
}

// WithRegisterer sets the prometheus registerer metrics are registered
// against. Defaults to prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(l *Lock) { l.reg = reg }
}

type lockMetrics struct {
	acquisitions  prometheus.Counter
	sessionLosses prometheus.Counter
	released      prometheus.Counter
}

func newLockMetrics(reg prometheus.Registerer) *lockMetrics {
	return &lockMetrics{
		acquisitions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "streamlog_lock_acquisitions_total",
			Help: "streamlog_lock_acquisitions_total counts successful lock acquisitions.",
		}),
		sessionLosses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "streamlog_lock_session_losses_total",
			Help: "streamlog_lock_session_losses_total counts coordinator session expirations observed while held.",
		}),
		released: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "streamlog_lock_released_total",
			Help: "streamlog_lock_released_total counts explicit lock releases.",
		}),
	}
}

// Lock is a distributed, reentrant-by-reason-tag single-writer lock
// over one coordinator path.
type Lock struct {
	coord     types.Coordinator
	lockPath  string
	logger    log.Logger
	reg       prometheus.Registerer
	metrics   *lockMetrics
	deregFunc func()

	mu      sync.Mutex
	held    map[string]struct{} // reason tags currently holding a reentrant claim
	nodeID  string              // this process's owned ephemeral node path, once acquired
	expired bool

	observers []types.SessionObserver
}

// New creates a Lock over lockPath (a coordinator parent node under
// which ephemeral-sequential children are created).
func New(coord types.Coordinator, lockPath string, opts ...Option) *Lock {
	l := &Lock{
		coord:    coord,
		lockPath: lockPath,
		logger:   log.NewNopLogger(),
		reg:      prometheus.DefaultRegisterer,
		held:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.metrics = newLockMetrics(l.reg)
	l.deregFunc = coord.RegisterSessionObserver(sessionObserverFunc(l.onSessionExpired))
	return l
}

type sessionObserverFunc func()

func (f sessionObserverFunc) OnSessionExpired() { f() }

// AddObserver registers dep to be told OnSessionExpired when this
// lock's coordinator session is lost, per spec §4.4 ("notifies all
// dependents").
func (l *Lock) AddObserver(dep types.SessionObserver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, dep)
}

// Acquire claims the lock for reason. If this process already holds
// the lock under a different reason it is reentrant: the claim is
// recorded and Acquire returns immediately. Otherwise it creates an
// ephemeral-sequential node and waits on its predecessor's deletion
// until it becomes the lowest-sequence child.
func (l *Lock) Acquire(ctx context.Context, reason string) error {
	l.mu.Lock()
	if l.expired {
		l.mu.Unlock()
		return types.ErrFenced
	}
	if len(l.held) > 0 {
		l.held[reason] = struct{}{}
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	nodeID, err := l.coord.CreateEphemeralSequential(ctx, l.lockPath, nil)
	if err != nil {
		return fmt.Errorf("streamlog: create lock node: %w", err)
	}

	for {
		children, err := l.coord.Children(ctx, l.lockPath)
		if err != nil {
			return fmt.Errorf("streamlog: list lock children: %w", err)
		}
		sort.Strings(children)
		myName := path.Base(nodeID)
		idx := indexOf(children, myName)
		if idx < 0 {
			return fmt.Errorf("streamlog: lock node %q disappeared", nodeID)
		}
		if idx == 0 {
			// We are the owner.
			l.mu.Lock()
			l.nodeID = nodeID
			l.held[reason] = struct{}{}
			l.mu.Unlock()
			l.metrics.acquisitions.Inc()
			level.Info(l.logger).Log("msg", "lock acquired", "path", nodeID)
			return nil
		}

		predecessor := path.Join(l.lockPath, children[idx-1])
		woken := make(chan struct{})
		err = l.coord.Watch(ctx, predecessor, func(ev types.WatchEvent) {
			if ev.Deleted {
				close(woken)
			}
		})
		if err != nil {
			return fmt.Errorf("streamlog: watch predecessor: %w", err)
		}
		select {
		case <-woken:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func indexOf(ss []string, s string) int {
	for i, v := range ss {
		if v == s {
			return i
		}
	}
	return -1
}

// Release drops reason's claim. The underlying lock node is deleted
// only when the last outstanding reason tag is released, matching
// spec §4.4's "each acquire must be matched by a release with the same
// reason."
func (l *Lock) Release(ctx context.Context, reason string) error {
	l.mu.Lock()
	delete(l.held, reason)
	remaining := len(l.held)
	nodeID := l.nodeID
	l.mu.Unlock()

	if remaining > 0 {
		return nil
	}
	if nodeID == "" {
		return nil
	}
	l.mu.Lock()
	l.nodeID = ""
	l.mu.Unlock()
	l.metrics.released.Inc()
	level.Info(l.logger).Log("msg", "lock released", "path", nodeID)
	return l.coord.Delete(ctx, nodeID)
}

// CheckOwnership returns types.ErrFenced if the session backing this
// lock has expired, without a coordinator round-trip. SPEC_FULL.md §6.
func (l *Lock) CheckOwnership() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.expired {
		return types.ErrFenced
	}
	return nil
}

// Close deregisters this lock from its coordinator's session-observer
// list. It does not release the lock node; callers release explicitly
// via Release.
func (l *Lock) Close() {
	if l.deregFunc != nil {
		l.deregFunc()
	}
}

func (l *Lock) onSessionExpired() {
	l.mu.Lock()
	if l.expired {
		l.mu.Unlock()
		return
	}
	l.expired = true
	observers := append([]types.SessionObserver(nil), l.observers...)
	l.mu.Unlock()

	l.metrics.sessionLosses.Inc()
	level.Warn(l.logger).Log("msg", "coordinator session lost, lock is fenced")
	for _, obs := range observers {
		obs.OnSessionExpired()
	}
}

// IsReservedName reports whether name is disallowed as a stream name:
// names beginning with '.' are reserved, and '/' is forbidden anywhere
// (spec §6).
func IsReservedName(name string) bool {
	return strings.HasPrefix(name, ".") || strings.Contains(name, "/")
}
