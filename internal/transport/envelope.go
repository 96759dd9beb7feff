package transport

// Wire envelopes for both transports. The telephony media stream and the
// browser client use different casing conventions; the structs below encode
// each shape exactly, so changing a json tag here changes the wire protocol.

// Telephony envelope kinds.
const (
	KindAudioMetadata = "AudioMetadata"
	KindAudioData     = "AudioData"
	KindStopAudio     = "StopAudio"
	KindDtmfData      = "DtmfData"
	KindErrorData     = "ErrorData"
)

// TelephonyInbound is the client-to-server envelope of the telephony media
// stream. Exactly one payload field is set, selected by Kind.
type TelephonyInbound struct {
	Kind      string          `json:"kind"`
	Payload   *AudioMetadata  `json:"payload,omitempty"`
	AudioData *TelephonyAudio `json:"audioData,omitempty"`
	DtmfData  *DtmfPayload    `json:"dtmfData,omitempty"`
}

// AudioMetadata announces the inbound audio format.
type AudioMetadata struct {
	Rate     int `json:"rate"`
	Channels int `json:"channels"`
}

// TelephonyAudio carries one base64-encoded PCM frame.
type TelephonyAudio struct {
	Data   string `json:"data"`
	Silent bool   `json:"silent"`
}

// DtmfPayload carries one DTMF tone.
type DtmfPayload struct {
	Data string `json:"data"`
}

// TelephonyMediaOutbound is the server-to-client media envelope. The
// call-control service requires the inactive member to be an explicit null,
// so neither pointer field carries omitempty.
type TelephonyMediaOutbound struct {
	Kind      string          `json:"kind"`
	AudioData *TelephonyAudio `json:"AudioData"`
	StopAudio *struct{}       `json:"StopAudio"`
}

// TelephonyErrorOutbound reports a fatal error to the call-control service.
type TelephonyErrorOutbound struct {
	Kind      string        `json:"kind"`
	ErrorData *ErrorPayload `json:"errorData"`
}

// ErrorPayload is the error body shared by both transports.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BrowserAudioType is the type tag of every browser playback envelope.
const BrowserAudioType = "audio_data"

// BrowserAudio is the server-to-client playback envelope for browser
// clients. Frames are indexed so the client can detect gaps, and the last
// frame of an utterance sets IsFinal.
type BrowserAudio struct {
	Type        string `json:"type"`
	Data        string `json:"data"`
	SampleRate  int    `json:"sample_rate"`
	FrameIndex  int    `json:"frame_index"`
	TotalFrames int    `json:"total_frames"`
	IsFinal     bool   `json:"is_final"`
}

// Browser control message types (client to server). Raw audio arrives as
// binary WebSocket frames and never as JSON.
const (
	BrowserTypeAudioMetadata = "audio_metadata"
	BrowserTypeStopAudio     = "stop_audio"
	BrowserTypeTextInput     = "text_input"
)

// BrowserInbound is the client-to-server control envelope for browser
// clients.
type BrowserInbound struct {
	Type     string `json:"type"`
	Rate     int    `json:"rate,omitempty"`
	Channels int    `json:"channels,omitempty"`
	Text     string `json:"text,omitempty"`
}

// BrowserControl is a payload-free server-to-client control envelope, such
// as the stop_audio playback interrupt.
type BrowserControl struct {
	Type string `json:"type"`
}

// BrowserError is the server-to-client error envelope for browser clients.
type BrowserError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
