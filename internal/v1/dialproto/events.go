package dialproto

// Client event ids.
const (
	EventClientStartConnection int32 = 1
	EventClientStartSession    int32 = 100
	EventClientFinishSession   int32 = 102
	EventClientAudioTask       int32 = 200
	EventClientTextQuery       int32 = 501
)

// Server event ids that drive the session state machines.
const (
	EventConnectionStarted int32 = 50
	EventConnectionFailed  int32 = 51
	EventSessionStarted    int32 = 150
	EventSessionFailed     int32 = 153
	EventTTSSentenceStart  int32 = 350
	EventTTSResponse       int32 = 352
	EventTTSEnded          int32 = 359
	EventASRInfo           int32 = 450
	EventASRResponse       int32 = 451
	EventASREnded          int32 = 459
	EventChatResponse      int32 = 550
	EventChatEnded         int32 = 559
	EventDialogError       int32 = 599
)

// StartSessionPayload is the JSON payload of a ClientStartSession event.
type StartSessionPayload struct {
	Dialog           DialogParams `json:"dialog"`
	EndSmoothWindow  int          `json:"end_smooth_window_ms,omitempty"`
	TTSConfig        *TTSConfig   `json:"tts,omitempty"`
}

// DialogParams configures dialog continuation and provider extras.
type DialogParams struct {
	DialogID string            `json:"dialog_id,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// TTSConfig selects the synthesis voice for a dialog session.
type TTSConfig struct {
	VoiceType string `json:"speaker,omitempty"`
}

// TextQueryPayload is the JSON payload of a ClientTextQuery event, carrying
// conversational context alongside the trigger utterance.
type TextQueryPayload struct {
	Content string `json:"content"`
}

// ASRResultPayload is the JSON payload of ASRResponse server events.
type ASRResultPayload struct {
	Results []ASRUtterance `json:"results,omitempty"`
}

// ASRUtterance is one recognized segment.
type ASRUtterance struct {
	Text     string `json:"text"`
	Definite bool   `json:"definite"`
}

// ChatResponsePayload is the JSON payload of ChatResponse server events.
type ChatResponsePayload struct {
	Content string `json:"content"`
}

// ErrorPayload is the JSON payload of DialogError and SessionFailed events.
type ErrorPayload struct {
	Error string `json:"error"`
}
