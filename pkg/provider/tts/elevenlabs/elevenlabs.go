// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
//
// Each SynthesizeToPCM call opens a stream-input WebSocket for the requested
// voice, sends the utterance followed by a flush command, and collects the
// returned audio chunks into a single PCM buffer. The flash model family keeps
// this round trip short enough for sentence-at-a-time dispatch.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/loquora/pkg/provider/tts"
	"github.com/MrWong99/loquora/pkg/types"
	"github.com/coder/websocket"
)

// Compile-time interface assertions.
var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)

const (
	wsEndpointFmt  = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s"
	voicesEndpoint = "https://api.elevenlabs.io/v1/voices"
	defaultModel   = "eleven_flash_v2_5"

	defaultStability  = 0.5
	defaultSimilarity = 0.75
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithStability sets the voice stability (0.0–1.0). Defaults to 0.5.
func WithStability(v float64) Option {
	return func(p *Provider) {
		p.stability = v
	}
}

// WithSimilarityBoost sets the similarity boost (0.0–1.0). Defaults to 0.75.
func WithSimilarityBoost(v float64) Option {
	return func(p *Provider) {
		p.similarity = v
	}
}

// WithTimeout sets the HTTP timeout for catalogue calls. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey     string
	model      string
	stability  float64
	similarity float64
	httpClient *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		stability:  defaultStability,
		similarity: defaultSimilarity,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for a text fragment. An
// empty Text acts as the flush command that drains buffered audio.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// boiMessage is the initial "begin of input" handshake that authenticates the
// stream and selects the output format.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
	OutputFormat  string         `json:"output_format,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"` // error or info
}

// ---- SynthesizeToPCM ----

// SynthesizeToPCM opens a stream-input WebSocket for the voice, sends text and
// a flush command, and returns the concatenated PCM once the service signals
// the final chunk.
//
// voice.Name must hold the ElevenLabs voice ID. voice.Rate maps to the
// voice_settings speed parameter; voice.Style has no ElevenLabs equivalent and
// is ignored.
func (p *Provider) SynthesizeToPCM(ctx context.Context, text string, voice types.VoiceProfile, sampleRate int) ([]byte, error) {
	if voice.Name == "" {
		return nil, errors.New("elevenlabs: voice name must not be empty")
	}
	format, err := pcmFormat(sampleRate)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, nil
	}

	wsURL := buildURLForVoice(voice.Name, p.model)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	boi, err := buildBOI(p.apiKey, format, p.settingsFor(voice))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal BOI: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, boi); err != nil {
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}

	msg, err := buildWSMessage(text, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal text: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		return nil, fmt.Errorf("elevenlabs: send text: %w", err)
	}

	// Flush so the service renders the buffered text without waiting for more
	// input.
	flush, _ := buildWSMessage("", nil)
	if err := conn.Write(ctx, websocket.MessageText, flush); err != nil {
		return nil, fmt.Errorf("elevenlabs: send flush: %w", err)
	}

	return collectAudio(ctx, conn)
}

// collectAudio drains audio messages from the connection until the service
// marks the final chunk or closes the stream.
func collectAudio(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	var (
		pcm    []byte
		svcMsg string
	)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// The service may close the socket instead of sending isFinal.
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				break
			}
			return nil, fmt.Errorf("elevenlabs: read audio: %w", err)
		}
		var resp audioResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		if resp.Message != "" && resp.Audio == "" {
			svcMsg = resp.Message
		}
		if resp.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err == nil {
				pcm = append(pcm, chunk...)
			}
		}
		if resp.IsFinal {
			break
		}
	}
	if len(pcm) == 0 && svcMsg != "" {
		return nil, fmt.Errorf("elevenlabs: synthesis failed: %s", svcMsg)
	}
	return pcm, nil
}

// settingsFor builds the voice_settings for a profile. A non-zero Rate maps to
// the speed parameter, clamped to the range the API accepts.
func (p *Provider) settingsFor(voice types.VoiceProfile) *voiceSettings {
	vs := &voiceSettings{
		Stability:       p.stability,
		SimilarityBoost: p.similarity,
	}
	if voice.Rate != 0 {
		vs.Speed = clampSpeed(voice.Rate)
	}
	return vs
}

// clampSpeed constrains a rate hint to the 0.7–1.2 range the API accepts.
func clampSpeed(rate float64) float64 {
	if rate < 0.7 {
		return 0.7
	}
	if rate > 1.2 {
		return 1.2
	}
	return rate
}

// pcmFormat maps a sample rate to the ElevenLabs output_format identifier.
// The API serves raw PCM at a fixed set of rates.
func pcmFormat(sampleRate int) (string, error) {
	switch sampleRate {
	case 8000, 16000, 22050, 24000, 44100, 48000:
		return "pcm_" + strconv.Itoa(sampleRate), nil
	default:
		return "", fmt.Errorf("elevenlabs: unsupported sample rate %d", sampleRate)
	}
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, voicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices read: %w", err)
	}
	return parseVoicesResponse(body)
}

// ---- helpers ----

// buildWSMessage constructs the JSON text payload for a single text fragment.
// Used by tests to verify the payload shape without opening a real connection.
func buildWSMessage(text string, vs *voiceSettings) ([]byte, error) {
	return json.Marshal(textMessage{Text: text, VoiceSettings: vs})
}

// buildBOI constructs the begin-of-input handshake payload. The priming text
// must be non-empty, so a single space is sent.
func buildBOI(apiKey, outputFormat string, vs *voiceSettings) ([]byte, error) {
	return json.Marshal(boiMessage{
		Text:          " ",
		VoiceSettings: vs,
		XiAPIKey:      apiKey,
		OutputFormat:  outputFormat,
	})
}

// buildURLForVoice constructs the WebSocket URL for a given voice and model.
func buildURLForVoice(voiceID, model string) string {
	return fmt.Sprintf(wsEndpointFmt, voiceID, model)
}

// parseVoicesResponse parses a raw JSON byte slice (matching the ElevenLabs
// /v1/voices response) into catalogue entries.
func parseVoicesResponse(data []byte) ([]tts.Voice, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, err
	}
	voices := make([]tts.Voice, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		voices = append(voices, tts.Voice{
			ID:       v.VoiceID,
			Name:     v.Name,
			Metadata: meta,
		})
	}
	return voices, nil
}
