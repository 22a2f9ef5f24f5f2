package domain

// SessionState tracks one peer session's negotiation lifecycle.
type SessionState string

const (
	SessionNew             SessionState = "new"
	SessionHaveLocalOffer  SessionState = "have-local-offer"
	SessionHaveRemoteOffer SessionState = "have-remote-offer"
	SessionConnecting      SessionState = "connecting"
	SessionConnected       SessionState = "connected"
	SessionDisconnected    SessionState = "disconnected"
	SessionFailed          SessionState = "failed"
	SessionClosed          SessionState = "closed"
)

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == SessionFailed || s == SessionClosed
}

// NegotiationRole is decided per remote by the glare tie-break: the
// lexicographically larger connection ID offers.
type NegotiationRole string

const (
	RoleOfferer  NegotiationRole = "offerer"
	RoleAnswerer NegotiationRole = "answerer"
)

// InitiatorFor applies the deterministic tie-break between the local and a
// remote connection ID. Exactly one side of any pair initiates.
func InitiatorFor(self, remote ConnectionID) NegotiationRole {
	if self > remote {
		return RoleOfferer
	}
	return RoleAnswerer
}
