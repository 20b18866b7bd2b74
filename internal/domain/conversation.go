package domain

import "time"

// Mode is the routing mode of a conversation.
type Mode string

const (
	ModeAutomated     Mode = "AUTOMATED"
	ModeHumanAssisted Mode = "HUMAN_ASSISTED"
)

// Conversation is the per-sender session state. HandoffExpiresAt is set if and
// only if Mode is ModeHumanAssisted.
type Conversation struct {
	SenderID         string
	Mode             Mode
	HandoffExpiresAt *time.Time
	UpdatedAt        time.Time
	Version          int64
}

// Automated returns the state of a sender with no recorded handoff.
func Automated(senderID string) Conversation {
	return Conversation{SenderID: senderID, Mode: ModeAutomated}
}

// HumanAssisted returns a handoff state that expires at expiresAt.
func HumanAssisted(senderID string, now, expiresAt time.Time) Conversation {
	exp := expiresAt.UTC()
	return Conversation{
		SenderID:         senderID,
		Mode:             ModeHumanAssisted,
		HandoffExpiresAt: &exp,
		UpdatedAt:        now.UTC(),
	}
}

// HandoffRecorded reports whether the conversation carries a handoff,
// expired or not.
func (c Conversation) HandoffRecorded() bool {
	return c.Mode == ModeHumanAssisted && c.HandoffExpiresAt != nil
}

// HandoffActiveAt reports whether a human is assumed to own the conversation
// at now. An elapsed handoff is logically automated.
func (c Conversation) HandoffActiveAt(now time.Time) bool {
	return c.HandoffRecorded() && now.Before(*c.HandoffExpiresAt)
}
