package whatsapp

import "fmt"

// Payload is the body of a Cloud API webhook notification.
type Payload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

type Value struct {
	MessagingProduct string    `json:"messaging_product"`
	Metadata         Metadata  `json:"metadata"`
	Contacts         []Contact `json:"contacts"`
	Messages         []Message `json:"messages"`
}

type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type Message struct {
	From      string    `json:"from"`
	ID        string    `json:"id"`
	Timestamp string    `json:"timestamp"`
	Type      string    `json:"type"`
	Text      *Text     `json:"text,omitempty"`
	Audio     *MediaRef `json:"audio,omitempty"`
}

type Text struct {
	Body string `json:"body"`
}

type MediaRef struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
}

// MessageKind is how the relay interprets an inbound message.
type MessageKind int

const (
	KindUnsupported MessageKind = iota
	KindText
	KindAudio
)

func (k MessageKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindAudio:
		return "audio"
	case KindUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Kind classifies m. A declared type whose body is missing is unsupported.
func (m Message) Kind() MessageKind {
	switch {
	case m.Type == "text" && m.Text != nil:
		return KindText
	case m.Type == "audio" && m.Audio != nil && m.Audio.ID != "":
		return KindAudio
	default:
		return KindUnsupported
	}
}

// FirstMessage returns the first message of the first change carrying
// messages in entry, with the contact list of that change.
func (e Entry) FirstMessage() (Message, []Contact, bool) {
	for _, ch := range e.Changes {
		if len(ch.Value.Messages) > 0 {
			return ch.Value.Messages[0], ch.Value.Contacts, true
		}
	}
	return Message{}, nil, false
}

// ProfileName returns the profile name reported for waID, if any.
func ProfileName(contacts []Contact, waID string) string {
	for _, c := range contacts {
		if c.WaID == waID {
			return c.Profile.Name
		}
	}
	return ""
}
