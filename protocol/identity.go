package protocol

// UserType distinguishes the two participant roles on a session.
type UserType string

const (
	// UserOfficial is a staff agent connecting through the admin endpoint.
	UserOfficial UserType = "official"
	// UserThirdParty is an end user connecting through the chat widget.
	UserThirdParty UserType = "third_party"
)

// SenderType labels who authored a message. Participants author as their
// UserType; the AI responder and the server itself have their own labels.
type SenderType string

const (
	SenderThirdParty SenderType = "third_party"
	SenderOfficial   SenderType = "official"
	SenderAssistant  SenderType = "assistant"
	SenderSystem     SenderType = "system"
)

// Identity names one live connection's principal. UserID is stable across
// connections; ClientID is unique per connection so the same user can hold
// several tabs open.
type Identity struct {
	UserID   string   `json:"user_id"`
	ClientID string   `json:"client_id"`
	UserType UserType `json:"user_type"`
}

// IsAdmin reports whether the identity may use admin-only events.
func (i Identity) IsAdmin() bool {
	return i.UserType == UserOfficial
}

// SenderType maps the identity's role onto the message author label.
func (i Identity) SenderType() SenderType {
	if i.UserType == UserOfficial {
		return SenderOfficial
	}
	return SenderThirdParty
}
