// Package host is the hosting runtime that drives offline cache workers.
//
// It owns worker registration (install, waiting, activate), client
// sessions and request dispatch. A session is controlled by the worker
// that was active when it connected, or by the worker that later claimed
// it. Requests from uncontrolled sessions, and requests a worker declines,
// go to the network unchanged.
package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/Sternrassler/offline-cache/pkg/client"
	"github.com/Sternrassler/offline-cache/pkg/logging"
	"github.com/Sternrassler/offline-cache/pkg/worker"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Worker states.
const (
	StateInstalling = "installing"
	StateWaiting    = "waiting"
	StateActivating = "activating"
	StateActive     = "active"
	StateRedundant  = "redundant"
)

var (
	// ErrUnknownSession is returned by Dispatch for a session that never
	// connected or already disconnected.
	ErrUnknownSession = errors.New("unknown session")

	// ErrInstallFailed is returned by Register when install fails.
	ErrInstallFailed = errors.New("worker install failed")
)

// registration tracks one worker through its lifecycle.
type registration struct {
	worker  *worker.Worker
	state   string
	skip    bool
	claimed bool
}

type session struct {
	id         string
	controller *registration
}

// Status describes the host for operators.
type Status struct {
	Active     string `json:"active,omitempty"`
	Waiting    string `json:"waiting,omitempty"`
	State      string `json:"state"`
	Sessions   int    `json:"sessions"`
	Controlled int    `json:"controlled"`
}

// Host runs workers and routes session requests to them.
type Host struct {
	network client.Fetcher
	logger  zerolog.Logger

	mu       sync.Mutex
	active   *registration
	waiting  *registration
	sessions map[string]*session
	retired  []*worker.Worker

	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a host. Unhandled requests are sent through network.
func New(network client.Fetcher) *Host {
	if network == nil {
		panic("network fetcher cannot be nil")
	}
	return &Host{
		network:  network,
		logger:   logging.Component("host"),
		sessions: make(map[string]*session),
		ready:    make(chan struct{}),
	}
}

// runtime is the worker.Runtime handed to one registration.
type runtime struct {
	host *Host
	reg  *registration
}

func (rt *runtime) SkipWaiting() {
	rt.host.mu.Lock()
	rt.reg.skip = true
	rt.host.mu.Unlock()
}

func (rt *runtime) ClaimClients(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rt.host.mu.Lock()
	defer rt.host.mu.Unlock()

	if rt.host.active != rt.reg {
		return fmt.Errorf("worker %s is not active", rt.reg.worker.Generation())
	}
	for _, s := range rt.host.sessions {
		s.controller = rt.reg
	}
	// Sessions connecting from here on are controlled at Connect
	rt.reg.claimed = true
	rt.host.logger.Debug().
		Str("generation", rt.reg.worker.Generation()).
		Int("sessions", len(rt.host.sessions)).
		Msg("Claimed sessions")
	return nil
}

// Register installs w and activates it when possible. A worker that does
// not skip waiting while another worker is active stays waiting until
// the last session disconnects.
func (h *Host) Register(ctx context.Context, w *worker.Worker) error {
	reg := &registration{worker: w, state: StateInstalling}
	rt := &runtime{host: h, reg: reg}
	logger := h.logger.With().Str("generation", w.Generation()).Logger()

	logger.Info().Msg("Installing worker")
	if err := w.OnInstall(ctx, rt); err != nil {
		h.mu.Lock()
		reg.state = StateRedundant
		h.mu.Unlock()
		logger.Error().Err(err).Msg("Install failed")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	h.mu.Lock()
	if h.active != nil && !reg.skip && len(h.sessions) > 0 {
		if h.waiting != nil {
			h.waiting.state = StateRedundant
		}
		reg.state = StateWaiting
		h.waiting = reg
		h.mu.Unlock()
		logger.Info().Msg("Worker waiting for sessions to close")
		return nil
	}
	h.mu.Unlock()

	return h.activate(ctx, reg)
}

// activate makes reg the active worker and runs its activate handler.
func (h *Host) activate(ctx context.Context, reg *registration) error {
	h.mu.Lock()
	if prev := h.active; prev != nil && prev != reg {
		prev.state = StateRedundant
		h.retired = append(h.retired, prev.worker)
	}
	if h.waiting == reg {
		h.waiting = nil
	}
	reg.state = StateActivating
	h.active = reg
	h.mu.Unlock()

	rt := &runtime{host: h, reg: reg}
	if err := reg.worker.OnActivate(ctx, rt); err != nil {
		h.logger.Warn().Err(err).Str("generation", reg.worker.Generation()).Msg("Activate handler failed")
	}

	h.mu.Lock()
	reg.state = StateActive
	h.mu.Unlock()
	h.readyOnce.Do(func() { close(h.ready) })

	h.logger.Info().Str("generation", reg.worker.Generation()).Msg("Worker active")
	return nil
}

// Ready is closed once the first worker is active.
func (h *Host) Ready() <-chan struct{} {
	return h.ready
}

// Connect opens a session and returns its id. An empty id mints a new
// one; connecting with a known id returns it unchanged. A new session is
// controlled by the active worker once it is active or has claimed
// sessions during activation.
func (h *Host) Connect(id string) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := h.sessions[id]; ok {
		return id
	}

	s := &session{id: id}
	if h.active != nil && (h.active.state == StateActive || h.active.claimed) {
		s.controller = h.active
	}
	h.sessions[id] = s
	h.logger.Debug().Str("session", id).Bool("controlled", s.controller != nil).Msg("Session connected")
	return id
}

// Disconnect closes a session. When no sessions remain, a waiting worker
// is activated.
func (h *Host) Disconnect(ctx context.Context, id string) error {
	h.mu.Lock()
	if _, ok := h.sessions[id]; !ok {
		h.mu.Unlock()
		return ErrUnknownSession
	}
	delete(h.sessions, id)

	var next *registration
	if len(h.sessions) == 0 && h.waiting != nil {
		next = h.waiting
	}
	h.mu.Unlock()

	h.logger.Debug().Str("session", id).Msg("Session disconnected")
	if next != nil {
		return h.activate(ctx, next)
	}
	return nil
}

// Dispatch routes a session request. Requests are answered by the
// session's controlling worker; anything it declines, and every request
// of an uncontrolled session, goes to the network.
func (h *Host) Dispatch(ctx context.Context, sessionID string, req *http.Request) (*http.Response, error) {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	var controller *worker.Worker
	if ok && s.controller != nil {
		controller = s.controller.worker
	}
	h.mu.Unlock()

	if !ok {
		return nil, ErrUnknownSession
	}

	if controller != nil {
		if resp, handled := controller.OnFetch(ctx, req); handled {
			return resp, nil
		}
	}
	return h.network.Fetch(ctx, req)
}

// Controller returns the generation controlling a session, or "" when the
// session is uncontrolled or unknown.
func (h *Host) Controller(sessionID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[sessionID]
	if !ok || s.controller == nil {
		return ""
	}
	return s.controller.worker.Generation()
}

// Status reports the current host state.
func (h *Host) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := Status{State: StateInstalling, Sessions: len(h.sessions)}
	if h.active != nil {
		st.Active = h.active.worker.Generation()
		st.State = h.active.state
	}
	if h.waiting != nil {
		st.Waiting = h.waiting.worker.Generation()
	}
	for _, s := range h.sessions {
		if s.controller != nil {
			st.Controlled++
		}
	}
	return st
}

// Wait blocks until background write-backs of every worker have finished.
func (h *Host) Wait() {
	h.mu.Lock()
	workers := append([]*worker.Worker(nil), h.retired...)
	if h.active != nil {
		workers = append(workers, h.active.worker)
	}
	if h.waiting != nil {
		workers = append(workers, h.waiting.worker)
	}
	h.mu.Unlock()

	for _, w := range workers {
		w.Wait()
	}
}
