package session

// State is the lifecycle state of the credential store
type State int

const (
	StateAnonymous State = iota
	StateAuthenticating
	StateAuthenticated
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}
