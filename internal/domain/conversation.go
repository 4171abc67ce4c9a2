package domain

type ConversationID string

// Conversation is owned by the external CRUD layer; only the participant
// list is read here.
type Conversation struct {
	ID           ConversationID `json:"id" yaml:"id"`
	Participants []UserID       `json:"participants" yaml:"participants"`
}

func (c *Conversation) Has(uid UserID) bool {
	for _, p := range c.Participants {
		if p == uid {
			return true
		}
	}
	return false
}
