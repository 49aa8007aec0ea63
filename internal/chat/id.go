// Package chat defines ChatId, the key for every per-chat resource.
package chat

import "fmt"

// ID is either "private:<user>" or "group:<group>". It is never reused
// across kinds and keys connections, sessions, accumulators, and pending
// permission requests.
type ID string

// Private builds the ChatId for a private conversation.
func Private(userID string) ID { return ID(fmt.Sprintf("private:%s", userID)) }

// Group builds the ChatId for a group conversation.
func Group(groupID string) ID { return ID(fmt.Sprintf("group:%s", groupID)) }

// IsGroup reports whether id addresses a group conversation.
func (id ID) IsGroup() bool {
	return len(id) >= 6 && id[:6] == "group:"
}

func (id ID) String() string { return string(id) }
