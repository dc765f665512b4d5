// Package membership derives the set of identities eligible to receive
// events for a chat. Pure functions over the chat's member set; the router
// uses them to reject or scope every event.
package membership

import "chatok/internal/models"

// MembersOf returns the deduplicated member identity set of the chat.
// A chat with no resolvable members is a malformed event payload.
func MembersOf(chat models.Chat) (map[string]struct{}, error) {
	if len(chat.MemberIDs) == 0 {
		return nil, models.ErrMalformedEvent
	}
	members := make(map[string]struct{}, len(chat.MemberIDs))
	for _, id := range chat.MemberIDs {
		if id == "" {
			continue
		}
		members[id] = struct{}{}
	}
	if len(members) == 0 {
		return nil, models.ErrMalformedEvent
	}
	return members, nil
}

// IsMember reports whether the identity belongs to the chat.
func IsMember(chat models.Chat, identityID string) bool {
	if identityID == "" {
		return false
	}
	for _, id := range chat.MemberIDs {
		if id == identityID {
			return true
		}
	}
	return false
}
