package model

import (
	"cmp"
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RolePatient      Role = "patient"
	RolePractitioner Role = "practitioner"
	RoleAdmin        Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RolePatient, RolePractitioner, RoleAdmin:
		return true
	}
	return false
}

const MessageTypeText = "text"

type UserRef struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type Sender struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
}

// Ref drops the role.
func (s Sender) Ref() UserRef {
	return UserRef{ID: s.ID, DisplayName: s.DisplayName}
}

type Message struct {
	ID             string    `json:"id"`
	Sender         Sender    `json:"sender"`
	ReceiverID     string    `json:"receiverId"`
	Content        string    `json:"content"`
	ConversationID string    `json:"conversationId"`
	MessageType    string    `json:"messageType,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// CompareMessages orders messages by CreatedAt, falling back to ID so that
// messages created in the same instant still have a total order.
func CompareMessages(a, b Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

const directPrefix = "dm:"

// DirectConversationID returns the id both participants derive for their
// one-to-one conversation. User ids are sorted so the result does not depend
// on who is asking.
func DirectConversationID(userA, userB string) string {
	if userA > userB {
		userA, userB = userB, userA
	}
	return fmt.Sprintf("%s%s:%s", directPrefix, userA, userB)
}

// ParseDirectConversationID is the inverse of DirectConversationID.
func ParseDirectConversationID(id string) (userA, userB string, ok bool) {
	rest, found := strings.CutPrefix(id, directPrefix)
	if !found {
		return "", "", false
	}
	userA, userB, found = strings.Cut(rest, ":")
	if !found || userA == "" || userB == "" || strings.Contains(userB, ":") {
		return "", "", false
	}
	return userA, userB, true
}

// IsParticipant reports whether userID is one of the two users of a direct
// conversation id.
func IsParticipant(conversationID, userID string) bool {
	a, b, ok := ParseDirectConversationID(conversationID)
	return ok && (a == userID || b == userID)
}
