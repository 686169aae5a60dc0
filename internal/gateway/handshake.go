package gateway

import (
	"net/http"
	"strings"

	"github.com/relaypoint/relaypoint/internal/hub"
)

// Handshake parameter values for clientType
const (
	clientTypeUser    = "user-scoped"
	clientTypeSession = "session-scoped"
	clientTypeMachine = "machine-scoped"
)

// handshakeParams carries the raw connection upgrade parameters
type handshakeParams struct {
	token      string
	clientType string
	sessionID  string
	machineID  string
}

// rejection is a handshake failure surfaced as a close code
type rejection struct {
	code   int
	reason string
}

// parseHandshake extracts handshake parameters from the upgrade request.
// The credential may arrive as a query parameter or a bearer header.
func parseHandshake(r *http.Request) handshakeParams {
	query := r.URL.Query()

	token := query.Get("token")
	if token == "" {
		token = bearerToken(r)
	}

	return handshakeParams{
		token:      token,
		clientType: query.Get("clientType"),
		sessionID:  query.Get("sessionId"),
		machineID:  query.Get("machineId"),
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// resolveScope validates scope selection and binds the identity fields the
// scope requires. Scope and identity are fixed here and never mutated
// afterwards.
func resolveScope(params handshakeParams, accountID string) (hub.Scope, hub.Identity, *rejection) {
	ident := hub.Identity{AccountID: accountID}

	switch params.clientType {
	case clientTypeUser:
		if params.sessionID != "" || params.machineID != "" {
			return "", ident, &rejection{hub.CloseInvalidHandshake, "conflicting handshake parameters"}
		}
		return hub.ScopeUser, ident, nil

	case clientTypeSession:
		if params.machineID != "" {
			return "", ident, &rejection{hub.CloseInvalidHandshake, "conflicting handshake parameters"}
		}
		if params.sessionID == "" {
			return "", ident, &rejection{hub.CloseMissingSessionID, "sessionId is required for session-scoped clients"}
		}
		ident.SessionID = params.sessionID
		return hub.ScopeSession, ident, nil

	case clientTypeMachine:
		if params.machineID == "" {
			return "", ident, &rejection{hub.CloseMissingMachineID, "machineId is required for machine-scoped clients"}
		}
		// An agent may also bind to a session so session-filtered updates
		// reach it alongside the session-scoped viewers
		ident.MachineID = params.machineID
		ident.SessionID = params.sessionID
		return hub.ScopeMachine, ident, nil

	default:
		return "", ident, &rejection{hub.CloseInvalidHandshake, "unknown clientType"}
	}
}
