package service

import "sync"

type Terminator interface {
	Terminate()
}

// Shutdown terminates one Terminator exactly once, however often Close is
// called.
type Shutdown struct {
	once sync.Once
	t    Terminator
}

func OnShutdown(t Terminator) *Shutdown {
	return &Shutdown{t: t}
}

func (s *Shutdown) Close() {
	if s == nil || s.t == nil {
		return
	}
	s.once.Do(s.t.Terminate)
}
