package session

// Status is the outcome kind an Adapter operation reports: ok, error, or
// continue (defer to the next adapter in the chain).
type Status int

const (
	StatusOK Status = iota
	StatusError
	StatusContinue
)

// ExtOps is an adapter's request to mutate session attributes atomically
// with its reply, applied by the Session before any outbound event is
// emitted.
type ExtOps struct {
	Answer  *SDP
	Offer   *SDP
	Type    *Type
	TypeExt map[string]string
}

// BackendEventKind names the asynchronous notifications an engine can push
// back at a session.
type BackendEventKind string

const (
	BackendParked        BackendEventKind = "parked"
	BackendBridged       BackendEventKind = "bridged"
	BackendHangup        BackendEventKind = "hangup"
	BackendChannelStop   BackendEventKind = "channel_stop"
	BackendDisconnection BackendEventKind = "disconnection"
	BackendMCUInfo       BackendEventKind = "mcu_info"
)

// BackendEvent is a single asynchronous engine notification.
type BackendEvent struct {
	Kind   BackendEventKind
	Reason string
	Data   map[string]any
}

// Outcome is the result of a single Adapter operation.
type Outcome struct {
	Status Status
	Reply  *SDP
	Ext    ExtOps
	Err    error
	Kind   string // error kind atom, set when Status == StatusError
}

// OK builds a successful Outcome.
func OK(reply *SDP, ext ExtOps) Outcome {
	return Outcome{Status: StatusOK, Reply: reply, Ext: ext}
}

// Fail builds an error Outcome carrying a reason kind atom.
func Fail(kind string, err error) Outcome {
	return Outcome{Status: StatusError, Kind: kind, Err: err}
}

// Continue signals that this adapter does not handle the operation and the
// next candidate in the backend chain should be tried.
func Continue() Outcome { return Outcome{Status: StatusContinue} }

// Adapter is the backend adapter interface: a per-engine plugin
// implementing start/set_offer/set_answer/update/candidate/stop plus
// asynchronous backend-event handling. All methods are called with the
// Session's own lock held by the caller (the Session actor serialises its
// own mutation); an Adapter must not call back into the Session
// synchronously from within one of these methods.
type Adapter interface {
	// Name identifies the adapter for logging and the `backend` field.
	Name() string

	// Supports reports whether this adapter can originate or answer the
	// given session type, used by the backend chain to pick a handler.
	Supports(t Type) bool

	// Init is called once, when a session first selects this adapter.
	Init(s *Session) error

	// Start begins the backend operation for t. If s has no offer, Start
	// is expected to generate one (start_out); if s already carries an
	// offer, Start is expected to produce an answer (start_in).
	Start(t Type, s *Session) Outcome

	// SetOffer is invoked when an offer arrives after start (rare; p2p/KMS
	// paths where offer and start are decoupled).
	SetOffer(t Type, offer SDP, s *Session) Outcome

	// SetAnswer is invoked when an externally supplied answer must be
	// forwarded into the backend (e.g. p2p/proxy).
	SetAnswer(t Type, answer SDP, s *Session) Outcome

	// Update transitions backend state for an in-progress session (e.g.
	// session_type, mcu_layout).
	Update(kind UpdateKind, opts map[string]any, t Type, s *Session) Outcome

	// Candidate forwards (or, if the backend is not ready, the caller
	// should buffer instead of calling this) a trickle-ICE candidate.
	Candidate(c Candidate, s *Session) Outcome

	// Stop releases backend resources. Stop must be idempotent.
	Stop(reason string, s *Session) error

	// HandleBackendEvent processes an asynchronous engine notification.
	// Returning ExtOps lets the handler request a session attribute
	// mutation (e.g. an unsolicited type change to "park").
	HandleBackendEvent(ev BackendEvent, s *Session) ExtOps
}
