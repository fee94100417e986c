package sessions

// Event is a lifecycle notification delivered to Registry.HandleEvent.
type Event interface {
	sessionID() string
}

// ChannelClosed reports that the transport channel a session depends on went
// away. The registry treats it like an explicit termination.
type ChannelClosed struct {
	SessionID string
	Reason    string
}

func (e ChannelClosed) sessionID() string { return e.SessionID }

// Close reasons recorded in logs and metrics.
const (
	ReasonTerminated       = "terminated"
	ReasonChannelClosed    = "channel_closed"
	ReasonHandshakeTimeout = "handshake_timeout"
	ReasonHandshakeFailed  = "handshake_failed"
	ReasonIdle             = "idle"
	ReasonShutdown         = "shutdown"
)
