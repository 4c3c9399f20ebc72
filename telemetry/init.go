package telemetry

import "sync"

type initPhase int

const (
	phaseUninitialized initPhase = iota
	phaseInitializing
	phaseReady
)

// initState guards one-time setup that may fail and may be torn down.
// Unlike sync.Once, a failed run returns to uninitialized and reset
// allows a fresh run after shutdown.
type initState struct {
	mu    sync.Mutex
	cond  *sync.Cond
	phase initPhase
}

func newInitState() *initState {
	s := &initState{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// run executes fn if no setup has completed. Callers arriving while
// another caller is initializing wait for its outcome.
func (s *initState) run(fn func() error) error {
	s.mu.Lock()
	for s.phase == phaseInitializing {
		s.cond.Wait()
	}
	if s.phase == phaseReady {
		s.mu.Unlock()
		return nil
	}
	s.phase = phaseInitializing
	s.mu.Unlock()

	err := fn()

	s.mu.Lock()
	if err != nil {
		s.phase = phaseUninitialized
	} else {
		s.phase = phaseReady
	}
	s.cond.Broadcast()
	s.mu.Unlock()
	return err
}

func (s *initState) reset() {
	s.mu.Lock()
	s.phase = phaseUninitialized
	s.mu.Unlock()
}

func (s *initState) ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == phaseReady
}
