package flow

// State is the explicit state tag of the payment flow machine.
type State string

const (
	StateIdle                State = "idle"
	StateStarting            State = "starting"
	StateRequiresAction      State = "requiresAction"
	StateClientConfirming    State = "clientConfirming"
	StateFinalizing          State = "finalizing"
	StateConfirming          State = "confirming"
	StateCancelling          State = "cancelling"
	StatePolling             State = "polling"
	StateReconciling         State = "reconciling"
	StateReconcilingRetrying State = "reconcilingRetrying"
	StateFetchingStatus      State = "fetchingStatus"
	StateDone                State = "done"
	StateFailed              State = "failed"
)

// IsTerminal reports whether the state is one of the two terminal tags.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// IsLoading reports whether an actor invocation or scheduled wait is in
// flight for this state.
func (s State) IsLoading() bool {
	switch s {
	case StateStarting, StateClientConfirming, StateFinalizing, StateConfirming,
		StateCancelling, StatePolling, StateReconciling, StateReconcilingRetrying,
		StateFetchingStatus:
		return true
	default:
		return false
	}
}
