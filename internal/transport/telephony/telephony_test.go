package telephony_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/loquora/internal/transport"
	"github.com/MrWong99/loquora/internal/transport/telephony"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// acceptPair spins up a test server, dials it, and returns both halves of the
// connection: the raw client side and the accepted telephony side.
func acceptPair(t *testing.T) (client *websocket.Conn, server *telephony.Conn) {
	t.Helper()

	connCh := make(chan *telephony.Conn, 1)
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := telephony.Accept(w, r, slog.Default())
		if err != nil {
			return
		}
		connCh <- conn
		// Keep the handler alive so the hijacked connection outlives it.
		<-done
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(done) })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close(websocket.StatusNormalClosure, "test done") })

	select {
	case server = <-connCh:
	case <-time.After(3 * time.Second):
		t.Fatal("server conn never arrived")
	}
	t.Cleanup(func() { _ = server.Close() })
	return client, server
}

// readRaw reads one text frame from the client side as raw bytes.
func readRaw(t *testing.T, client *websocket.Conn) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := client.Read(ctx)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	return data
}

// writeJSON marshals v and sends it from the client side.
func writeJSON(t *testing.T, client *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := client.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("client write: %v", err)
	}
}

// recorder collects Handler callbacks and signals arrivals on a channel so
// tests can wait without polling.
type recorder struct {
	mu       sync.Mutex
	audio    [][]byte
	metadata [][2]int
	stops    int
	tones    []string
	texts    []string

	arrived chan struct{}
}

func newRecorder() *recorder {
	return &recorder{arrived: make(chan struct{}, 64)}
}

func (r *recorder) OnAudio(data []byte) {
	r.mu.Lock()
	r.audio = append(r.audio, append([]byte(nil), data...))
	r.mu.Unlock()
	r.arrived <- struct{}{}
}

func (r *recorder) OnAudioMetadata(rate, channels int) {
	r.mu.Lock()
	r.metadata = append(r.metadata, [2]int{rate, channels})
	r.mu.Unlock()
	r.arrived <- struct{}{}
}

func (r *recorder) OnStopAudio() {
	r.mu.Lock()
	r.stops++
	r.mu.Unlock()
	r.arrived <- struct{}{}
}

func (r *recorder) OnDTMF(tone string) {
	r.mu.Lock()
	r.tones = append(r.tones, tone)
	r.mu.Unlock()
	r.arrived <- struct{}{}
}

func (r *recorder) OnText(text string) {
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
	r.arrived <- struct{}{}
}

// waitArrivals blocks until n callbacks have fired.
func (r *recorder) waitArrivals(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.arrived:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for callback %d of %d", i+1, n)
		}
	}
}

// ─── outbound envelope shapes ────────────────────────────────────────────────

func TestSendAudio_WireShape(t *testing.T) {
	t.Parallel()
	client, server := acceptPair(t)

	pcm := []byte{1, 2, 3, 4}
	if err := server.SendAudio(context.Background(), transport.Frame{PCM: pcm, SampleRate: 16000}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	raw := readRaw(t, client)
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(env["kind"]) != `"AudioData"` {
		t.Errorf("kind = %s, want \"AudioData\"", env["kind"])
	}
	// The call-control service requires an explicit StopAudio null on media
	// envelopes.
	stop, ok := env["StopAudio"]
	if !ok {
		t.Error("envelope missing StopAudio field")
	} else if string(stop) != "null" {
		t.Errorf("StopAudio = %s, want null", stop)
	}

	var audio struct {
		Data   string `json:"data"`
		Silent bool   `json:"silent"`
	}
	if err := json.Unmarshal(env["AudioData"], &audio); err != nil {
		t.Fatalf("unmarshal AudioData: %v", err)
	}
	if audio.Silent {
		t.Error("playback frame marked silent")
	}
	got, err := base64.StdEncoding.DecodeString(audio.Data)
	if err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if string(got) != string(pcm) {
		t.Errorf("frame PCM = %v, want %v", got, pcm)
	}
}

func TestSendStopAudio_WireShape(t *testing.T) {
	t.Parallel()
	client, server := acceptPair(t)

	if err := server.SendStopAudio(context.Background()); err != nil {
		t.Fatalf("SendStopAudio: %v", err)
	}

	raw := readRaw(t, client)
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(env["kind"]) != `"StopAudio"` {
		t.Errorf("kind = %s, want \"StopAudio\"", env["kind"])
	}
	if string(env["AudioData"]) != "null" {
		t.Errorf("AudioData = %s, want null", env["AudioData"])
	}
	if string(env["StopAudio"]) != "{}" {
		t.Errorf("StopAudio = %s, want {}", env["StopAudio"])
	}
}

func TestSendError_WireShape(t *testing.T) {
	t.Parallel()
	client, server := acceptPair(t)

	if err := server.SendError(context.Background(), "internal", "engine failure"); err != nil {
		t.Fatalf("SendError: %v", err)
	}

	var env struct {
		Kind      string `json:"kind"`
		ErrorData struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"errorData"`
	}
	if err := json.Unmarshal(readRaw(t, client), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Kind != "ErrorData" {
		t.Errorf("kind = %q, want ErrorData", env.Kind)
	}
	if env.ErrorData.Code != "internal" || env.ErrorData.Message != "engine failure" {
		t.Errorf("errorData = %+v, want {internal engine failure}", env.ErrorData)
	}
}

func TestSendAudio_AfterClose(t *testing.T) {
	t.Parallel()
	_, server := acceptPair(t)

	if err := server.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := server.SendAudio(context.Background(), transport.Frame{PCM: []byte{0}})
	if err == nil {
		t.Fatal("SendAudio after Close succeeded, want error")
	}
}

// ─── inbound dispatch ────────────────────────────────────────────────────────

func TestReadLoop_Dispatch(t *testing.T) {
	t.Parallel()
	client, server := acceptPair(t)

	rec := newRecorder()
	errCh := make(chan error, 1)
	go func() { errCh <- server.ReadLoop(context.Background(), rec) }()

	pcm := []byte{9, 8, 7, 6}
	writeJSON(t, client, transport.TelephonyInbound{
		Kind:      transport.KindAudioData,
		AudioData: &transport.TelephonyAudio{Data: base64.StdEncoding.EncodeToString(pcm)},
	})
	writeJSON(t, client, transport.TelephonyInbound{
		Kind:    transport.KindAudioMetadata,
		Payload: &transport.AudioMetadata{Rate: 16000, Channels: 1},
	})
	writeJSON(t, client, transport.TelephonyInbound{
		Kind:     transport.KindDtmfData,
		DtmfData: &transport.DtmfPayload{Data: "5"},
	})
	writeJSON(t, client, transport.TelephonyInbound{Kind: transport.KindStopAudio})

	rec.waitArrivals(t, 4)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.audio) != 1 || string(rec.audio[0]) != string(pcm) {
		t.Errorf("audio = %v, want one frame %v", rec.audio, pcm)
	}
	if len(rec.metadata) != 1 || rec.metadata[0] != [2]int{16000, 1} {
		t.Errorf("metadata = %v, want [[16000 1]]", rec.metadata)
	}
	if len(rec.tones) != 1 || rec.tones[0] != "5" {
		t.Errorf("tones = %v, want [5]", rec.tones)
	}
	if rec.stops != 1 {
		t.Errorf("stops = %d, want 1", rec.stops)
	}

	// A normal client close ends the loop without error.
	if err := client.Close(websocket.StatusNormalClosure, "bye"); err != nil {
		t.Fatalf("client close: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("ReadLoop returned %v, want nil on normal close", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("ReadLoop did not return after client close")
	}
}

func TestReadLoop_SkipsMalformedAndSilent(t *testing.T) {
	t.Parallel()
	client, server := acceptPair(t)

	rec := newRecorder()
	go func() { _ = server.ReadLoop(context.Background(), rec) }()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	// Malformed JSON, a silent frame, and an undecodable frame must all be
	// dropped without killing the loop.
	if err := client.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	writeJSON(t, client, transport.TelephonyInbound{
		Kind:      transport.KindAudioData,
		AudioData: &transport.TelephonyAudio{Data: "AAAA", Silent: true},
	})
	writeJSON(t, client, transport.TelephonyInbound{
		Kind:      transport.KindAudioData,
		AudioData: &transport.TelephonyAudio{Data: "!!!not-base64!!!"},
	})

	pcm := []byte{1, 1}
	writeJSON(t, client, transport.TelephonyInbound{
		Kind:      transport.KindAudioData,
		AudioData: &transport.TelephonyAudio{Data: base64.StdEncoding.EncodeToString(pcm)},
	})

	rec.waitArrivals(t, 1)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.audio) != 1 || string(rec.audio[0]) != string(pcm) {
		t.Errorf("audio = %v, want only the valid frame %v", rec.audio, pcm)
	}
}
