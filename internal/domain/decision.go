package domain

// Action is the outbound effect of routing one inbound message.
type Action string

const (
	ActionIgnore            Action = "IGNORE"
	ActionSend              Action = "SEND"
	ActionActivateHandoff   Action = "ACTIVATE_HANDOFF"
	ActionDeactivateHandoff Action = "DEACTIVATE_HANDOFF"
)

// Decision is produced once per inbound message and consumed by the
// dispatcher. Text is empty for ActionIgnore.
type Decision struct {
	Action Action
	Text   string
	Reason string
}

// Outbound reports whether the decision sends a message to the sender.
func (d Decision) Outbound() bool {
	return d.Action != ActionIgnore && d.Text != ""
}
