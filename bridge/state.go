package bridge

// State is the lifecycle position of the webmail session bound to a host
// session.
type State int

const (
	NoSession State = iota
	LoggingIn
	LoggedIn
	Refreshing
	LoggingOut
)

func (s State) String() string {
	switch s {
	case NoSession:
		return "no_session"
	case LoggingIn:
		return "logging_in"
	case LoggedIn:
		return "logged_in"
	case Refreshing:
		return "refreshing"
	case LoggingOut:
		return "logging_out"
	default:
		return "unknown"
	}
}
