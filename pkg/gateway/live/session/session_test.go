package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/linguaflow/relay/pkg/gateway/blob"
	"github.com/linguaflow/relay/pkg/gateway/live/upstream"
	"github.com/linguaflow/relay/pkg/gateway/store"
)

// fakeBridge stands in for one upstream connection; tests feed events
// through emit/finish.
type fakeBridge struct {
	mu     sync.Mutex
	audio  [][]byte
	events chan upstream.Event
	done   bool
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{events: make(chan upstream.Event, 64)}
}

func (b *fakeBridge) SendAudio(pcm []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return upstream.ErrNotReady
	}
	c := make([]byte, len(pcm))
	copy(c, pcm)
	b.audio = append(b.audio, c)
	return nil
}

func (b *fakeBridge) Events() <-chan upstream.Event { return b.events }

func (b *fakeBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done = true
	return nil
}

func (b *fakeBridge) emit(ev upstream.Event) { b.events <- ev }

// finish emulates the engine dropping the connection.
func (b *fakeBridge) finish(err error) {
	b.events <- upstream.Closed{Err: err}
	close(b.events)
}

func (b *fakeBridge) sentAudio() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.audio))
	copy(out, b.audio)
	return out
}

type fakeConnector struct {
	mu       sync.Mutex
	failures int
	bridges  chan *fakeBridge
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{bridges: make(chan *fakeBridge, 4)}
}

func (c *fakeConnector) Connect(ctx context.Context, source, target string) (upstream.Bridge, error) {
	c.mu.Lock()
	if c.failures > 0 {
		c.failures--
		c.mu.Unlock()
		return nil, errors.New("engine unavailable")
	}
	c.mu.Unlock()

	b := newFakeBridge()
	c.bridges <- b
	return b, nil
}

func (c *fakeConnector) bridge(t *testing.T) *fakeBridge {
	t.Helper()
	select {
	case b := <-c.bridges:
		return b
	case <-time.After(2 * time.Second):
		t.Fatalf("connector never produced a bridge")
		return nil
	}
}

type memStore struct {
	mu            sync.Mutex
	failSave      bool
	interactions  []store.InteractionParams
	voiceSessions []store.VoiceSessionParams
	urlUpdates    map[string]store.AudioURLs
	counter       int
}

func newMemStore() *memStore {
	return &memStore{urlUpdates: make(map[string]store.AudioURLs)}
}

func (s *memStore) SaveInteraction(ctx context.Context, p store.InteractionParams) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return "", errors.New("database down")
	}
	s.counter++
	s.interactions = append(s.interactions, p)
	return fmt.Sprintf("in_%d", s.counter), nil
}

func (s *memStore) SaveVoiceSession(ctx context.Context, p store.VoiceSessionParams) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voiceSessions = append(s.voiceSessions, p)
	return fmt.Sprintf("vs_%d", len(s.voiceSessions)), nil
}

func (s *memStore) UpdateVoiceSessionAudioURLs(ctx context.Context, interactionID string, urls store.AudioURLs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urlUpdates[interactionID] = urls
	return nil
}

func (s *memStore) Ping(ctx context.Context) error { return nil }
func (s *memStore) Close()                         {}

func (s *memStore) interactionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.interactions)
}

type fakeUploader struct {
	mu          sync.Mutex
	failSources map[string]bool
	uploads     []blob.UploadInfo
}

func (u *fakeUploader) IsConfigured() bool { return true }

func (u *fakeUploader) UploadBuffer(ctx context.Context, data []byte, info blob.UploadInfo) (blob.UploadResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failSources[info.Source] {
		return blob.UploadResult{}, errors.New("storage unavailable")
	}
	u.uploads = append(u.uploads, info)
	key, err := blob.ObjectKey(info)
	if err != nil {
		return blob.UploadResult{}, err
	}
	return blob.UploadResult{SecureURL: "https://cdn.test/" + key}, nil
}

type harness struct {
	t         *testing.T
	client    *websocket.Conn
	connector *fakeConnector
	store     *memStore
	uploader  *fakeUploader
	sess      *Session
	runDone   chan error
}

func testConfig() Config {
	return Config{
		MaxJSONMessageBytes:   512 << 10,
		PingInterval:          time.Second,
		WriteTimeout:          2 * time.Second,
		OutboundQueueSize:     64,
		FinalizeTimeout:       5 * time.Second,
		UploadAttempts:        2,
		DefaultSourceLanguage: "en",
		DefaultTargetLanguage: "hi",
	}
}

func newHarness(t *testing.T, cfg Config, ms *memStore, fu *fakeUploader) *harness {
	t.Helper()

	h := &harness{
		t:         t,
		connector: newFakeConnector(),
		store:     ms,
		uploader:  fu,
		runDone:   make(chan error, 1),
	}

	upgrader := websocket.Upgrader{}
	sessCh := make(chan *Session, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		deps := Dependencies{
			Conn:      conn,
			Connector: h.connector,
			Metrics:   nil,
			SessionID: "vs_01TEST",
			Config:    cfg,
		}
		if ms != nil {
			deps.Store = ms
		}
		if fu != nil {
			deps.Uploader = fu
		}
		s := New(deps)
		sessCh <- s
		h.runDone <- s.Run()
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	h.client = client

	select {
	case h.sess = <-sessCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("session never started")
	}

	// Every session opens with its id.
	frame := h.readFrame()
	if frame["type"] != "session_id" || frame["sessionId"] != "vs_01TEST" {
		t.Fatalf("first frame=%v, want session_id", frame)
	}
	return h
}

func (h *harness) readFrame() map[string]any {
	h.t.Helper()
	_ = h.client.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame map[string]any
	if err := h.client.ReadJSON(&frame); err != nil {
		h.t.Fatalf("read frame: %v", err)
	}
	return frame
}

func (h *harness) expectType(typ string) map[string]any {
	h.t.Helper()
	frame := h.readFrame()
	if frame["type"] != typ {
		h.t.Fatalf("frame=%v, want type=%q", frame, typ)
	}
	return frame
}

func (h *harness) send(raw string) {
	h.t.Helper()
	if err := h.client.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		h.t.Fatalf("send: %v", err)
	}
}

func (h *harness) waitClosed() {
	h.t.Helper()
	select {
	case <-h.runDone:
	case <-time.After(5 * time.Second):
		h.t.Fatalf("session run loop never returned")
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.sess.State() != StateClosed {
		if time.Now().After(deadline) {
			h.t.Fatalf("state=%v, want closed", h.sess.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) startStreaming() *fakeBridge {
	h.t.Helper()
	h.send(`{"type":"setup","sourceLanguage":"en","targetLanguage":"hi"}`)
	bridge := h.connector.bridge(h.t)
	bridge.emit(upstream.Ready{})
	h.expectType("ready")
	return bridge
}

func TestSession_FullTranslationScenario(t *testing.T) {
	ms := newMemStore()
	fu := &fakeUploader{}
	h := newHarness(t, testConfig(), ms, fu)

	bridge := h.startStreaming()

	pcm := []byte{0x01, 0x02, 0x03}
	h.send(`{"type":"audio","data":"` + base64.StdEncoding.EncodeToString(pcm) + `"}`)

	bridge.emit(upstream.UserTranscript{Text: "hello"})
	frame := h.expectType("user_transcription")
	if frame["text"] != "hello" || frame["accumulated"] != "hello" {
		t.Fatalf("user transcription=%v", frame)
	}

	bridge.emit(upstream.ModelTranscript{Text: "namaste"})
	frame = h.expectType("model_transcription")
	if frame["accumulated"] != "namaste" {
		t.Fatalf("model transcription=%v", frame)
	}

	aiPCM := []byte{0x09, 0x08}
	bridge.emit(upstream.Audio{PCM: aiPCM})
	frame = h.expectType("audio")
	if frame["data"] != base64.StdEncoding.EncodeToString(aiPCM) {
		t.Fatalf("audio frame=%v", frame)
	}

	bridge.emit(upstream.TurnComplete{})
	frame = h.expectType("turn_complete")
	if frame["userTranscription"] != "hello" || frame["modelTranscription"] != "namaste" {
		t.Fatalf("turn_complete=%v", frame)
	}

	h.send(`{"type":"end"}`)
	frame = h.expectType("session_saved")
	if frame["interactionId"] != "in_1" {
		t.Fatalf("session_saved=%v", frame)
	}
	if frame["userAudioUrl"] != "https://cdn.test/voice/in_1/user.pcm" {
		t.Fatalf("userAudioUrl=%v", frame["userAudioUrl"])
	}
	if frame["translationAudioUrl"] != "https://cdn.test/voice/in_1/ai.pcm" {
		t.Fatalf("translationAudioUrl=%v", frame["translationAudioUrl"])
	}

	h.waitClosed()

	if got := bridge.sentAudio(); len(got) != 1 || string(got[0]) != string(pcm) {
		t.Fatalf("forwarded audio=%v", got)
	}
	if n := ms.interactionCount(); n != 1 {
		t.Fatalf("interactions=%d, want 1", n)
	}
	ip := ms.interactions[0]
	if ip.Kind != "voice" || ip.SourceLanguage != "en" || ip.TargetLanguage != "hi" {
		t.Fatalf("interaction=%+v", ip)
	}
	if ip.UpstreamSessionRef != "gemini-live:vs_01TEST" {
		t.Fatalf("upstream ref=%q", ip.UpstreamSessionRef)
	}
	vs := ms.voiceSessions[0]
	if vs.Transcription != "hello" || vs.Translation != "namaste" {
		t.Fatalf("voice session=%+v", vs)
	}
	if vs.Duration < 0 {
		t.Fatalf("duration=%v", vs.Duration)
	}
	urls := ms.urlUpdates["in_1"]
	if urls.UserAudioURL == "" || urls.TranslationAudioURL == "" {
		t.Fatalf("url update=%+v", urls)
	}
}

func TestSession_AudioBeforeReadyGetsNotice(t *testing.T) {
	h := newHarness(t, testConfig(), newMemStore(), nil)

	h.send(`{"type":"audio","data":"` + base64.StdEncoding.EncodeToString([]byte{1}) + `"}`)
	frame := h.expectType("error")
	if msg, _ := frame["message"].(string); !strings.Contains(msg, "not ready") {
		t.Fatalf("message=%v, want a not-ready notice", frame["message"])
	}
}

func TestSession_MalformedFrameIsRecoverable(t *testing.T) {
	h := newHarness(t, testConfig(), newMemStore(), nil)

	h.send(`{"type":"audio"}`)
	h.expectType("error")

	// Session is still alive and configurable.
	h.startStreaming()
}

func TestSession_UnknownFrameIsIgnored(t *testing.T) {
	h := newHarness(t, testConfig(), newMemStore(), nil)

	h.send(`{"type":"telemetry","foo":1}`)
	h.startStreaming()
}

func TestSession_ImmediateDisconnectPersistsNothing(t *testing.T) {
	ms := newMemStore()
	h := newHarness(t, testConfig(), ms, nil)

	h.client.Close()
	h.waitClosed()

	if n := ms.interactionCount(); n != 0 {
		t.Fatalf("interactions=%d, want 0", n)
	}
}

func TestSession_ConnectFailureAllowsRetry(t *testing.T) {
	h := newHarness(t, testConfig(), newMemStore(), nil)
	h.connector.failures = 1

	h.send(`{"type":"setup","sourceLanguage":"en","targetLanguage":"hi"}`)
	h.expectType("error")

	// The language pair stays set and a second setup succeeds.
	h.startStreaming()
}

func TestSession_DuplicateSetupIsRejected(t *testing.T) {
	h := newHarness(t, testConfig(), newMemStore(), nil)

	h.startStreaming()
	h.send(`{"type":"setup","sourceLanguage":"en","targetLanguage":"fr"}`)
	frame := h.expectType("error")
	if msg, _ := frame["message"].(string); !strings.Contains(msg, "already configured") {
		t.Fatalf("message=%v", frame["message"])
	}
}

func TestSession_UpstreamDisconnectKeepsSessionOpen(t *testing.T) {
	ms := newMemStore()
	h := newHarness(t, testConfig(), ms, nil)

	bridge := h.startStreaming()
	bridge.emit(upstream.UserTranscript{Text: "hello"})
	h.expectType("user_transcription")

	bridge.finish(errors.New("engine dropped"))
	h.expectType("gemini_disconnected")

	// Losing the engine never rewinds the session lifecycle.
	if st := h.sess.State(); st != StateStreaming {
		t.Fatalf("state=%v after upstream disconnect, want streaming", st)
	}

	// Client can still end cleanly; the transcript so far is persisted.
	h.send(`{"type":"end"}`)
	frame := h.expectType("session_saved")
	if frame["interactionId"] != "in_1" {
		t.Fatalf("session_saved=%v", frame)
	}
	h.waitClosed()
}

func TestSession_ReconfigureAfterUpstreamDisconnect(t *testing.T) {
	ms := newMemStore()
	h := newHarness(t, testConfig(), ms, nil)

	bridge := h.startStreaming()
	bridge.emit(upstream.UserTranscript{Text: "hello"})
	h.expectType("user_transcription")

	bridge.finish(errors.New("engine dropped"))
	h.expectType("gemini_disconnected")

	// A fresh setup bridges again and the earlier transcript survives.
	bridge2 := h.startStreaming()
	bridge2.emit(upstream.UserTranscript{Text: " again"})
	frame := h.expectType("user_transcription")
	if frame["accumulated"] != "hello again" {
		t.Fatalf("accumulated=%v, want transcript carried across reconnect", frame["accumulated"])
	}
	if st := h.sess.State(); st != StateStreaming {
		t.Fatalf("state=%v after reconnect, want streaming", st)
	}

	h.send(`{"type":"end"}`)
	h.expectType("session_saved")
	h.waitClosed()
}

func TestSession_FinalizeRunsOnceOnEndThenDisconnect(t *testing.T) {
	ms := newMemStore()
	h := newHarness(t, testConfig(), ms, nil)

	bridge := h.startStreaming()
	bridge.emit(upstream.UserTranscript{Text: "hello"})
	h.expectType("user_transcription")

	// end and an immediate socket close race into the finalizer.
	h.send(`{"type":"end"}`)
	h.client.Close()
	h.waitClosed()

	if n := ms.interactionCount(); n != 1 {
		t.Fatalf("interactions=%d, want exactly 1", n)
	}
}

func TestSession_PersistFailureStillNotifiesClient(t *testing.T) {
	ms := newMemStore()
	ms.failSave = true
	h := newHarness(t, testConfig(), ms, nil)

	bridge := h.startStreaming()
	bridge.emit(upstream.UserTranscript{Text: "hello"})
	h.expectType("user_transcription")

	h.send(`{"type":"end"}`)
	frame := h.expectType("session_saved")
	if id, ok := frame["interactionId"]; ok && id != "" {
		t.Fatalf("interactionId=%v, want absent on persist failure", id)
	}
	h.waitClosed()
}

func TestSession_PartialUploadSuccess(t *testing.T) {
	ms := newMemStore()
	fu := &fakeUploader{failSources: map[string]bool{blob.SourceUser: true}}
	h := newHarness(t, testConfig(), ms, fu)

	bridge := h.startStreaming()
	h.send(`{"type":"audio","data":"` + base64.StdEncoding.EncodeToString([]byte{1, 2}) + `"}`)
	bridge.emit(upstream.UserTranscript{Text: "hello"})
	h.expectType("user_transcription")
	bridge.emit(upstream.Audio{PCM: []byte{3, 4}})
	h.expectType("audio")

	h.send(`{"type":"end"}`)
	frame := h.expectType("session_saved")
	if url, _ := frame["userAudioUrl"].(string); url != "" {
		t.Fatalf("userAudioUrl=%q, want empty after failed upload", url)
	}
	if frame["translationAudioUrl"] != "https://cdn.test/voice/in_1/ai.pcm" {
		t.Fatalf("translationAudioUrl=%v", frame["translationAudioUrl"])
	}
	h.waitClosed()

	urls := ms.urlUpdates["in_1"]
	if urls.UserAudioURL != "" || urls.TranslationAudioURL == "" {
		t.Fatalf("url update=%+v", urls)
	}
}

func TestSession_SendJSONQueuesDuringTeardown(t *testing.T) {
	s := New(Dependencies{Config: Config{OutboundQueueSize: 4}})
	s.Cancel()

	// Queue room wins over the done context; the writer's shutdown flush
	// still gets a frame to deliver.
	if err := s.sendJSON(map[string]string{"type": "session_saved"}); err != nil {
		t.Fatalf("sendJSON after cancel: %v", err)
	}
	select {
	case <-s.outbound:
	default:
		t.Fatalf("frame was not queued")
	}
}

func TestSession_SendJSONFailsWhenCanceledAndQueueFull(t *testing.T) {
	s := New(Dependencies{Config: Config{OutboundQueueSize: 1}})
	s.outbound <- []byte(`{}`)
	s.Cancel()

	if err := s.sendJSON(map[string]string{"type": "x"}); err == nil {
		t.Fatalf("expected error with full queue and canceled session")
	}
}

func TestSession_CancelDrivesFinalize(t *testing.T) {
	ms := newMemStore()
	h := newHarness(t, testConfig(), ms, nil)

	bridge := h.startStreaming()
	bridge.emit(upstream.UserTranscript{Text: "hello"})
	h.expectType("user_transcription")

	h.sess.Cancel()
	h.waitClosed()

	if n := ms.interactionCount(); n != 1 {
		t.Fatalf("interactions=%d, want 1", n)
	}
}

func TestSession_MaxDurationEndsSession(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessionDuration = 150 * time.Millisecond
	h := newHarness(t, cfg, newMemStore(), nil)

	frame := h.expectType("error")
	if msg, _ := frame["message"].(string); !strings.Contains(msg, "duration") {
		t.Fatalf("message=%v", frame["message"])
	}
	h.waitClosed()
}
