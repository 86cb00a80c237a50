package socket

const (
	interactionTypeResponseRequired = "response_required"
	responseTypeResponse            = "response"

	// handshakeMessages are sent by the server right after connecting: the
	// service configuration followed by a greeting.
	handshakeMessages = 2
)

type request struct {
	InteractionType string          `json:"interaction_type"`
	ResponseID      int             `json:"response_id"`
	Transcript      []transcriptMsg `json:"transcript"`
}

type transcriptMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type response struct {
	ResponseType    string `json:"response_type"`
	ResponseID      int    `json:"response_id"`
	Content         string `json:"content"`
	ContentComplete bool   `json:"content_complete"`
	EndCall         bool   `json:"end_call"`
}
