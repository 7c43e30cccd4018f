package store

const (
	directPrefix = "conv:"
	groupPrefix  = "group:"
)

// DirectConversationID is symmetric: both participants resolve to the same log.
func DirectConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return directPrefix + a + ":" + b
}

func GroupConversationID(groupID string) string {
	return groupPrefix + groupID
}

// ConversationID derives the log a message from senderID to recipientID belongs to.
func ConversationID(senderID, recipientID string, isGroup bool) string {
	if isGroup {
		return GroupConversationID(recipientID)
	}
	return DirectConversationID(senderID, recipientID)
}
