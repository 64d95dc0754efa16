package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/meli/internal/resilience"
	"github.com/MrWong99/meli/internal/session"
)

// SessionReporter is the part of [session.Manager] the session check reads.
type SessionReporter interface {
	Status() session.Status
}

// Session reports the live link. It fails while an active session is WEAK;
// IDLE, CONNECTING and CLOSED are all ready states for the process.
func Session(s SessionReporter) Checker {
	return Checker{
		Name: "session",
		Check: func(context.Context) error {
			st := s.Status()
			if st.State == session.StateActive && st.Quality == session.QualityWeak {
				return fmt.Errorf("link to %s is weak (%d of %d chunks dropped)",
					st.Provider, st.ChunksDropped, st.ChunksSent+st.ChunksDropped)
			}
			return nil
		},
		Detail: func() any {
			st := s.Status()
			return map[string]string{"state": st.State.String(), "quality": string(st.Quality)}
		},
	}
}

// Breaker fails while the handshake circuit breaker is open.
func Breaker(cb *resilience.CircuitBreaker) Checker {
	return Checker{
		Name: "handshake",
		Check: func(context.Context) error {
			if cb.State() == resilience.StateOpen {
				return errors.New("circuit open after repeated handshake failures")
			}
			return nil
		},
		Detail: func() any { return cb.State().String() },
	}
}
