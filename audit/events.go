package audit

import (
	"encoding/json"
)

func decodeMetadata(raw []byte, out *map[string]any) error {
	return json.Unmarshal(raw, out)
}

// LoginSuccess builds the entry for a successful authentication.
func LoginSuccess(userID, ip, userAgent, method string) Entry {
	return Entry{
		EventType: EventLoginSuccess,
		ActorType: ActorUser,
		ActorID:   userID,
		Action:    "login",
		Metadata: map[string]any{
			"ip_address": ip,
			"user_agent": userAgent,
			"method":     method,
		},
	}
}

// LoginFailure builds the entry for a failed authentication. The actor is
// anonymous since the caller never proved an identity; the attempted email
// is kept in metadata for incident response.
func LoginFailure(email, ip, userAgent, reason string) Entry {
	return Entry{
		EventType: EventLoginFailure,
		ActorType: ActorAnonymous,
		Action:    "login",
		Metadata: map[string]any{
			"email":      email,
			"ip_address": ip,
			"user_agent": userAgent,
			"reason":     reason,
		},
	}
}

// SessionsRevoked builds the entry recording a revocation sweep.
func SessionsRevoked(userID, reason string, count int) Entry {
	return Entry{
		EventType:    EventSessionRevoked,
		ActorType:    ActorSystem,
		ActorID:      userID,
		ResourceType: "session",
		Action:       "revoke",
		Metadata: map[string]any{
			"reason": reason,
			"count":  count,
		},
	}
}

// RateLimitHit builds the entry for a rejected request.
func RateLimitHit(scope, key, ip string) Entry {
	return Entry{
		EventType: EventRateLimitHit,
		ActorType: ActorAnonymous,
		Action:    "reject",
		Metadata: map[string]any{
			"scope":      scope,
			"limit_key":  key,
			"ip_address": ip,
		},
	}
}
