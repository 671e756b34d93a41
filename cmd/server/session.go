package main

import (
	"log"
	"sync"
	"time"

	"github.com/yourorg/payment-flow-orchestrator/internal/fallback"
	"github.com/yourorg/payment-flow-orchestrator/internal/flow"
	"github.com/yourorg/payment-flow-orchestrator/internal/provider"
)

// session ties one flow machine to its fallback orchestrator for the
// lifetime of a checkout.
type session struct {
	machine      *flow.Machine
	orchestrator *fallback.Orchestrator

	mu        sync.Mutex
	prevState flow.State
}

// notifier bridges orchestrator events back into the machine. Execute and
// abort become system events; available offers are surfaced to the client
// through the session state endpoint.
type notifier struct {
	s *session
}

func (n *notifier) FallbackAvailable(ev fallback.AvailableEvent) {
	log.Printf("Session: fallback to %s available after %s failed (event %s)",
		ev.AlternateProvider, ev.FailedProvider, ev.EventID)
}

func (n *notifier) FallbackExecute(providerID string, req *provider.StartRequest, failedProviderID string) {
	n.s.machine.SendSystem(flow.Event{
		Type:             flow.EventFallbackExecute,
		ProviderID:       providerID,
		Request:          req,
		FailedProviderID: failedProviderID,
	})
}

func (n *notifier) FallbackCancelled(eventID, reason string) {
	log.Printf("Session: fallback offer %s cancelled (%s)", eventID, reason)
	n.s.machine.SendSystem(flow.Event{Type: flow.EventFallbackAbort})
}

// onSnapshot reacts to machine transitions. The decision is made
// synchronously to preserve ordering; the orchestrator call runs on its
// own goroutine because orchestrator notifications re-enter the machine.
func (s *session) onSnapshot(snap flow.Snapshot) {
	s.mu.Lock()
	entered := snap.State != s.prevState
	s.prevState = snap.State
	s.mu.Unlock()
	if !entered {
		return
	}

	switch {
	case snap.HasError() && snap.Err != nil:
		err, providerID, req := snap.Err, snap.ProviderID, snap.Request
		go func() {
			status := s.orchestrator.State().Status
			if status == fallback.StatusExecuting || status == fallback.StatusAutoExecuting {
				s.orchestrator.NotifyFailure(providerID, err, req)
				return
			}
			s.orchestrator.ReportFailure(providerID, err, req, false)
		}()
	case snap.IsReady():
		go s.orchestrator.NotifySuccess()
	}
}

// waitSettled blocks until the machine leaves its loading states or the
// timeout elapses, and returns the latest snapshot. Demo convenience so
// HTTP responses carry a meaningful state.
func (s *session) waitSettled(timeout time.Duration) flow.Snapshot {
	deadline := time.Now().Add(timeout)
	for {
		snap := s.machine.Snapshot()
		if !snap.IsLoading() || time.Now().After(deadline) {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// sessionRegistry holds live sessions by flow id.
type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*session)}
}

func (r *sessionRegistry) put(flowID string, s *session) {
	r.mu.Lock()
	r.sessions[flowID] = s
	r.mu.Unlock()
}

func (r *sessionRegistry) get(flowID string) (*session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[flowID]
	r.mu.RUnlock()
	return s, ok
}
