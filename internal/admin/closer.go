package admin

import "github.com/opsgp/gpram/internal/session"

// sessionCloser adapts *session.Manager to diag.SessionCloser: the Error
// Handler only knows about reasons as strings so it stays independent of
// the session package's CloseReason type, and this is where that string
// gets mapped back onto the real enum.
type sessionCloser struct {
	manager *session.Manager
}

func (c sessionCloser) Close(id string, reason string) error {
	return c.manager.Close(id, session.CloseReason(reason))
}
