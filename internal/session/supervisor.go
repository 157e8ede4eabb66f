package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ConnState is the session's connection lifecycle state, the only
// user-visible failure signal for transport flakiness.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
)

// supervisorConfig wires the reconnection supervisor to the session.
type supervisorConfig struct {
	// connect establishes (or re-establishes) every subscription. It is
	// bounded by the subscribe timeout; not reaching ready in time is a
	// failure.
	connect func(ctx context.Context) error
	// onRecovered runs after a successful reconnect (not the first
	// connect): re-track presence, re-request a presence sync, re-fetch the
	// document. Best-effort.
	onRecovered func(ctx context.Context)
	onState     func(ConnState)

	subscribeTimeout time.Duration
	retryDelay       time.Duration
	logger           *zap.Logger
}

// supervisor detects transport loss and drives bounded retries. The retry
// delay is fixed rather than exponential to keep reconnect timing
// predictable for peers' staleness windows.
type supervisor struct {
	cfg supervisorConfig

	mu       sync.Mutex
	state    ConnState
	failures chan error
	stop     chan struct{}
	stopOnce sync.Once
	done     sync.WaitGroup
}

func newSupervisor(cfg supervisorConfig) *supervisor {
	if cfg.subscribeTimeout <= 0 {
		cfg.subscribeTimeout = 5 * time.Second
	}
	if cfg.retryDelay <= 0 {
		cfg.retryDelay = 3 * time.Second
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	return &supervisor{
		cfg:      cfg,
		state:    StateConnecting,
		failures: make(chan error, 1),
		stop:     make(chan struct{}),
	}
}

// Start runs the first connect attempt synchronously, then supervises in the
// background. A failed first attempt is not an error: the supervisor keeps
// retrying and the caller observes progress through the state callback.
func (s *supervisor) Start() {
	firstAttemptDone := s.attempt(false)

	s.done.Add(1)
	go s.run(firstAttemptDone)
}

// ReportFailure transitions Connected -> Disconnected and schedules a retry.
// Invoked from the transport's disconnect callback.
func (s *supervisor) ReportFailure(err error) {
	select {
	case s.failures <- err:
	default:
	}
}

// State returns the current connection state.
func (s *supervisor) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stop halts supervision. Established subscriptions are torn down by the
// session, not the supervisor.
func (s *supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.done.Wait()
}

// attempt runs one connect cycle and returns whether it succeeded.
func (s *supervisor) attempt(recovered bool) bool {
	s.setState(StateConnecting)

	// Reports queued up to this point describe a connection that no longer
	// exists. Anything arriving from here on belongs to the connection being
	// established and must survive, or a socket lost mid-setup would leave
	// the supervisor connected to a dead transport.
	select {
	case <-s.failures:
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.subscribeTimeout)
	defer cancel()

	if err := s.cfg.connect(ctx); err != nil {
		s.cfg.logger.Warn("subscribe attempt failed", zap.Error(err))
		s.setState(StateDisconnected)
		return false
	}

	s.setState(StateConnected)
	if recovered && s.cfg.onRecovered != nil {
		s.cfg.onRecovered(ctx)
	}
	return true
}

func (s *supervisor) run(connected bool) {
	defer s.done.Done()

	for {
		if !connected {
			select {
			case <-s.stop:
				return
			case <-time.After(s.cfg.retryDelay):
			}
			connected = s.attempt(true)
			continue
		}

		select {
		case <-s.stop:
			return
		case err := <-s.failures:
			if s.State() != StateConnected {
				continue
			}
			s.cfg.logger.Warn("transport lost, reconnecting", zap.Error(err))
			s.setState(StateDisconnected)
			connected = false
		}
	}
}

func (s *supervisor) setState(state ConnState) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	callback := s.cfg.onState
	s.mu.Unlock()

	if changed && callback != nil {
		callback(state)
	}
}
