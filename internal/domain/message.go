package domain

// InboundMessage is the canonical form of one webhook payload.
type InboundMessage struct {
	SenderID   string
	Text       string
	IsGroup    bool
	IsSelfEcho bool
}
