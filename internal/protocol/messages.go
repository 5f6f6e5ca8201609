package protocol

import "strings"

// Text units exchanged with dialog clients over the gateway socket.
const (
	CommandEnd        = "END"
	ReplyAck          = "ACK"
	ReplyBusy         = "BUSY"
	ReplyNoSpeech     = "NO_SPEECH"
	AudioChunksBegin  = "AUDIO_CHUNKS_BEGIN"
	AudioChunksEnd    = "AUDIO_CHUNKS_END"
	ErrorPrefix       = "ERROR"
	ErrNoAudioMessage = "ERROR: No audio data received"
)

// IsEnd reports whether a text unit asks the server to process the buffered audio.
func IsEnd(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), CommandEnd)
}

// IsError reports whether a text unit signals a failure.
func IsError(text string) bool {
	return strings.HasPrefix(text, ErrorPrefix)
}

// ErrorText formats a failure reply.
func ErrorText(reason string) string {
	return ErrorPrefix + ": " + reason
}

// Intent is the command published on the tool bus.
type Intent struct {
	Intent    IntentName `json:"intent"`
	Slots     []Slot     `json:"slots,omitempty"`
	Input     string     `json:"input,omitempty"`
	RawInput  string     `json:"rawInput,omitempty"`
	RequestID string     `json:"request_id"`
}

type IntentName struct {
	Name string `json:"intentName"`
}

type Slot struct {
	Name  string    `json:"slotName"`
	Value SlotValue `json:"value"`
}

type SlotValue struct {
	Value any `json:"value"`
}

// IntentResponse is the optional JSON shape of a bus reply. Non-JSON replies are used verbatim.
type IntentResponse struct {
	Text string `json:"text"`
}

// ResponseSubject is the subject a responder publishes to for a given request.
func ResponseSubject(intentSubject, requestID string) string {
	return intentSubject + ".response." + requestID
}

// ResponseWildcard matches every response subject under an intent subject.
func ResponseWildcard(intentSubject string) string {
	return intentSubject + ".response.*"
}

// RequestIDFromSubject extracts the trailing request id token.
func RequestIDFromSubject(subject string) string {
	idx := strings.LastIndexByte(subject, '.')
	if idx < 0 {
		return subject
	}
	return subject[idx+1:]
}
