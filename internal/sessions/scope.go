// Package sessions maps channel identity onto session and memory scope keys.
package sessions

import "fmt"

// DMScopePolicy selects how direct-message identities map to scope keys.
type DMScopePolicy string

const (
	// ScopeMain folds all DMs into the single shared "main" scope.
	ScopeMain DMScopePolicy = "main"
	// ScopePerChannelPeer isolates by channel type and peer.
	ScopePerChannelPeer DMScopePolicy = "per-channel-peer"
	// ScopePerPeer isolates by peer across channels.
	ScopePerPeer DMScopePolicy = "per-peer"
)

// Identity describes where a request came from.
type Identity struct {
	SessionID   string
	ChannelType string // "websocket", "telegram", ...
	ChannelID   string // set for group chats only
	PeerID      string
	AccountID   string
}

// ResolveScope maps an identity and policy to (scopeKey, sessionKey).
// Group messages key the session by channel; everything else keys by
// scope. Memory writes and recalls must both go through this mapping so
// a flush and a later search agree on the scope key.
//
// A missing peer under a per-peer policy is a programmer error, as is
// an unknown policy name. Both fail loudly rather than defaulting.
func ResolveScope(id Identity, policy DMScopePolicy) (scopeKey, sessionKey string, err error) {
	switch policy {
	case ScopeMain:
		scopeKey = "main"
	case ScopePerChannelPeer:
		if id.PeerID == "" {
			return "", "", fmt.Errorf("scope policy %q requires a peer id (session %s)", policy, id.SessionID)
		}
		scopeKey = id.ChannelType + ":peer:" + id.PeerID
	case ScopePerPeer:
		if id.PeerID == "" {
			return "", "", fmt.Errorf("scope policy %q requires a peer id (session %s)", policy, id.SessionID)
		}
		scopeKey = "peer:" + id.PeerID
	default:
		return "", "", fmt.Errorf("unknown dm scope policy %q", policy)
	}

	if id.ChannelID != "" {
		sessionKey = "group:" + id.ChannelID
	} else {
		sessionKey = scopeKey
	}
	return scopeKey, sessionKey, nil
}
