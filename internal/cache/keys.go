package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

// ConversationKey scopes a slot-filling context to its owner so one user can
// never load another user's conversation by id.
func ConversationKey(ownerID, conversationID uuid.UUID) string {
	return fmt.Sprintf("conversation:%s:%s", ownerID, conversationID)
}
