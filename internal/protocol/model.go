package protocol

// ---------------------------------------------------------------------------
// Content kinds
// ---------------------------------------------------------------------------

// Content kinds carried by a Message. The server relays the kind verbatim;
// only "text" content is validated for length.
const (
	KindText     = "text"
	KindImage    = "image"
	KindVideo    = "video"
	KindAudio    = "audio"
	KindDocument = "document"
	KindSystem   = "system"
	KindGif      = "gif"
	KindApp      = "app"
)

// ---------------------------------------------------------------------------
// Delivery status
// ---------------------------------------------------------------------------

// Delivery statuses for a Message. Progression is strictly monotonic:
// sent -> delivered -> read. A status never regresses.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// statusRank orders delivery statuses for monotonic promotion.
var statusRank = map[string]int{
	StatusSent:      0,
	StatusDelivered: 1,
	StatusRead:      2,
}

// AdvanceStatus returns the later of the two delivery statuses. Unknown
// statuses rank below "sent", so a bogus value can never overwrite a real one.
func AdvanceStatus(current, next string) string {
	if statusRank[next] > statusRank[current] {
		return next
	}
	return current
}

// ---------------------------------------------------------------------------
// Message
// ---------------------------------------------------------------------------

// Message is one chat line as carried on the wire and held by the client's
// reconciler. IDs are locally generated for optimistic sends and replaced by
// the server-assigned ID once the echo is correlated.
type Message struct {
	ID             string `json:"id"`
	UserID         string `json:"userId"`
	Content        string `json:"content"`
	ConversationID string `json:"conversationId"`
	CreatedAt      int64  `json:"createdAt"` // unix milliseconds
	Kind           string `json:"kind"`
	Status         string `json:"status,omitempty"`
	Nonce          string `json:"nonce,omitempty"`  // client-generated echo correlation token
	EditOf         string `json:"editOf,omitempty"` // set on edit markers; references the edited message ID
}
