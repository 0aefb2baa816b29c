package app

import (
	"context"
	"errors"
	"time"

	"campaigner/internal/session"
	logx "campaigner/pkg/logx"
)

// runSession keeps one session open and feeds its events to the correlator.
// A session that ends while the app runs is reopened with backoff; a closed
// or logged-out transport is terminal.
func (a *App) runSession(ctx context.Context) {
	log := a.log.With(logx.String("task", "session"))
	for attempt := 0; ctx.Err() == nil; attempt++ {
		a.setState(session.StateConnecting)
		s, err := a.connector.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.lost(err)
			log.Error("session unavailable; dispatch disabled until restart", logx.Err(err))
			return
		}
		attempt = 0
		a.setSession(s)
		log.Info("session open")

		err = a.corr.Run(ctx, s.Events())
		a.clearSession(s)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warn("correlator stopped", logx.Err(err))
		}
		a.metrics.Reconnect()

		wait, ok := a.config().backoff().Delay(attempt)
		if !ok {
			a.lost(session.ErrClosed)
			return
		}
		log.Warn("session ended; reconnecting", logx.Duration("backoff", wait))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (a *App) setState(st session.ConnectionState) {
	a.sessMu.Lock()
	a.sessState = st
	a.sessMu.Unlock()
}

// setSession installs s. The engine gets it before waiters wake, so a run
// resumed by WaitSession always finds it.
func (a *App) setSession(s session.Session) {
	a.engine.SetSession(s)
	a.sessMu.Lock()
	a.sess = s
	a.sessState = session.StateOpen
	close(a.sessReady)
	a.sessReady = make(chan struct{})
	a.sessMu.Unlock()
}

// clearSession drops s if it is still current.
func (a *App) clearSession(s session.Session) {
	a.sessMu.Lock()
	if a.sess != s {
		a.sessMu.Unlock()
		return
	}
	a.sess = nil
	a.sessState = session.StateClosed
	a.sessMu.Unlock()
	a.engine.SetSession(nil)
}

// takeSession detaches the current session for shutdown.
func (a *App) takeSession() session.Session {
	a.sessMu.Lock()
	s := a.sess
	a.sess = nil
	a.sessState = session.StateClosed
	a.sessMu.Unlock()
	a.engine.SetSession(nil)
	return s
}

// lost records a terminal session error and wakes waiters.
func (a *App) lost(err error) {
	if !errors.Is(err, session.ErrClosed) {
		err = errors.Join(session.ErrClosed, err)
	}
	a.sessMu.Lock()
	a.sessErr = err
	a.sessState = session.StateLoggedOut
	close(a.sessReady)
	a.sessReady = make(chan struct{})
	a.sessMu.Unlock()
}

// WaitSession blocks until a session is open. It fails once the transport is
// lost for good.
func (a *App) WaitSession(ctx context.Context) error {
	for {
		a.sessMu.Lock()
		s, err, ready := a.sess, a.sessErr, a.sessReady
		a.sessMu.Unlock()
		switch {
		case s != nil:
			return nil
		case err != nil:
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ready:
		}
	}
}
