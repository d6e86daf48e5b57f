package foundry

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"gm-toolbox/pkg/toolbox"
)

func TestDriverPublishesFramesAndPushesTargets(t *testing.T) {
	t.Parallel()

	sink := newCaptureSink()
	errs := &errorRecorder{}
	driver, err := NewDriver(NewSession(), NewDefaultDecoder(), WithName("vtt-main"), WithErrorHandler(errs.record))
	if err != nil {
		t.Fatalf("new driver failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	server := httptest.NewServer(driver.Handler(ctx, sink))
	t.Cleanup(server.Close)

	conn := dialBridge(t, server.URL+defaultPath)
	writeFrame(t, conn, `{"type":"hello","user":"u1","targets":["t2"]}`)
	writeFrame(t, conn, `{"type":"controlToken","id":"e1","user":"u1","token":{"id":"t1","scene":"s1","is_owner":true},"controlled":true}`)

	event := sink.next(t)
	if event.ID != "e1" || event.Kind != toolbox.EventKindTokenControlChanged {
		t.Fatalf("event = %s/%s, want e1/%s", event.ID, event.Kind, toolbox.EventKindTokenControlChanged)
	}
	if event.Source.ID != "vtt-main" || event.Source.Host != toolbox.HostFoundry {
		t.Fatalf("source = %+v, want foundry/vtt-main", event.Source)
	}

	session := driver.Session()
	targets, err := session.CurrentTargets(context.Background(), "u1")
	if err != nil {
		t.Fatalf("current targets failed: %v", err)
	}
	if strings.Join(targets, ",") != "t2" {
		t.Fatalf("targets = %v, want [t2]", targets)
	}
	allowed, err := session.CanModify(context.Background(), event.Actor, *event.Entity)
	if err != nil {
		t.Fatalf("can modify failed: %v", err)
	}
	if !allowed {
		t.Fatal("expected owner to be allowed")
	}

	if err := session.ReplaceTargets(context.Background(), "u1", []string{"t7", "t8"}); err != nil {
		t.Fatalf("replace targets failed: %v", err)
	}
	var pushed struct {
		Type    string   `json:"type"`
		User    string   `json:"user"`
		Targets []string `json:"targets"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&pushed); err != nil {
		t.Fatalf("read pushed frame failed: %v", err)
	}
	if pushed.Type != string(FrameTypeUpdateTokenTargets) || pushed.User != "u1" || strings.Join(pushed.Targets, ",") != "t7,t8" {
		t.Fatalf("pushed = %+v, want updateTokenTargets u1 [t7 t8]", pushed)
	}

	if errs.count() != 0 {
		t.Fatalf("async errors = %v, want none", errs.snapshot())
	}
}

func TestDriverSettlesReleaseBeforeNextTarget(t *testing.T) {
	t.Parallel()

	session := NewSession()
	sink := &savingSink{session: session, delay: 50 * time.Millisecond}
	errs := &errorRecorder{}
	driver, err := NewDriver(session, NewDefaultDecoder(), WithErrorHandler(errs.record))
	if err != nil {
		t.Fatalf("new driver failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	server := httptest.NewServer(driver.Handler(ctx, sink))
	t.Cleanup(server.Close)

	conn := dialBridge(t, server.URL+defaultPath)
	writeFrame(t, conn, `{"type":"hello","user":"u1","targets":["t2"]}`)
	writeFrame(t, conn, `{"type":"controlToken","id":"e1","user":"u1","token":{"id":"A","scene":"s1","is_owner":true},"controlled":false}`)
	writeFrame(t, conn, `{"type":"targetToken","id":"e2","user":"u1","token":{"id":"t5"},"targeted":true}`)

	eventually(t, 2*time.Second, func() bool {
		targets, err := session.CurrentTargets(context.Background(), "u1")
		return err == nil && strings.Join(targets, ",") == "t5"
	})
	if got := sink.savedTargets(); strings.Join(got, ",") != "t2" {
		t.Fatalf("saved = %v, want [t2]", got)
	}
	eventually(t, 2*time.Second, func() bool { return sink.published() == 1 })
	if errs.count() != 0 {
		t.Fatalf("async errors = %v, want none", errs.snapshot())
	}
}

func TestDriverSkipsMalformedFrames(t *testing.T) {
	t.Parallel()

	sink := newCaptureSink()
	errs := &errorRecorder{}
	driver, err := NewDriver(NewSession(), NewDefaultDecoder(), WithErrorHandler(errs.record))
	if err != nil {
		t.Fatalf("new driver failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	server := httptest.NewServer(driver.Handler(ctx, sink))
	t.Cleanup(server.Close)

	conn := dialBridge(t, server.URL+defaultPath)
	writeFrame(t, conn, `{"type":"hello","user":"u1"}`)
	writeFrame(t, conn, `not json`)
	writeFrame(t, conn, `{"type":"controlToken","user":"u1","controlled":true}`)
	writeFrame(t, conn, `{"type":"settingChanged","user":"u2","setting":{"namespace":"gm-toolbox","key":"k","value":1}}`)
	writeFrame(t, conn, `{"type":"settingChanged","user":"u1","setting":{"namespace":"gm-toolbox","key":"k","value":1}}`)

	event := sink.next(t)
	if event.Kind != toolbox.EventKindSettingChanged || event.Actor.ID != "u1" {
		t.Fatalf("event = %s by %s, want setting change by u1", event.Kind, event.Actor.ID)
	}
	if event.Source.ID != DriverType {
		t.Fatalf("source id = %s, want default %s", event.Source.ID, DriverType)
	}
	if got := errs.count(); got != 3 {
		t.Fatalf("async errors = %d (%v), want 3", got, errs.snapshot())
	}
}

func TestDriverDropsFramesOverRateLimit(t *testing.T) {
	t.Parallel()

	sink := newCaptureSink()
	errs := &errorRecorder{}
	driver, err := NewDriver(
		NewSession(),
		NewDefaultDecoder(),
		WithFrameRate(0.001, 2),
		WithErrorHandler(errs.record),
	)
	if err != nil {
		t.Fatalf("new driver failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	server := httptest.NewServer(driver.Handler(ctx, sink))
	t.Cleanup(server.Close)

	conn := dialBridge(t, server.URL+defaultPath)
	writeFrame(t, conn, `{"type":"hello","user":"u1"}`)
	writeFrame(t, conn, `{"type":"targetToken","id":"e1","user":"u1","token":{"id":"t1"},"targeted":true}`)
	writeFrame(t, conn, `{"type":"targetToken","id":"e2","user":"u1","token":{"id":"t2"},"targeted":true}`)
	writeFrame(t, conn, `{"type":"targetToken","id":"e3","user":"u1","token":{"id":"t3"},"targeted":true}`)

	if event := sink.next(t); event.ID != "e1" {
		t.Fatalf("event id = %s, want e1", event.ID)
	}
	eventually(t, 2*time.Second, func() bool { return errs.count() == 2 })
	for _, err := range errs.snapshot() {
		if !errors.Is(err, ErrFrameRateExceeded) {
			t.Fatalf("error = %v, want ErrFrameRateExceeded", err)
		}
	}
	targets, err := driver.Session().CurrentTargets(context.Background(), "u1")
	if err != nil {
		t.Fatalf("current targets failed: %v", err)
	}
	if strings.Join(targets, ",") != "t1" {
		t.Fatalf("targets = %v, want [t1]", targets)
	}
}

func TestDriverDetachesClosedConnections(t *testing.T) {
	t.Parallel()

	driver, err := NewDriver(NewSession(), NewDefaultDecoder())
	if err != nil {
		t.Fatalf("new driver failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	server := httptest.NewServer(driver.Handler(ctx, newCaptureSink()))
	t.Cleanup(server.Close)

	conn := dialBridge(t, server.URL+defaultPath)
	writeFrame(t, conn, `{"type":"hello","user":"u1"}`)
	eventually(t, 2*time.Second, func() bool {
		return driver.Session().clientCount("u1") == 1
	})

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	_ = conn.Close()
	eventually(t, 2*time.Second, func() bool {
		return driver.Session().clientCount("u1") == 0
	})
	if !driver.Session().HasUser("u1") {
		t.Fatal("user state should outlive the connection")
	}
}

func TestDriverStartStopsOnCancel(t *testing.T) {
	ignore := goleak.IgnoreCurrent()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port failed: %v", err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()

	driver, err := NewDriver(NewSession(), NewDefaultDecoder(), WithListenAddr(addr), WithPath("/ws"))
	if err != nil {
		t.Fatalf("new driver failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- driver.Start(ctx, newCaptureSink())
	}()

	var conn *websocket.Conn
	eventually(t, 2*time.Second, func() bool {
		dialed, _, dialErr := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
		if dialErr != nil {
			return false
		}
		conn = dialed
		return true
	})
	writeFrame(t, conn, `{"type":"hello","user":"u1"}`)
	eventually(t, 2*time.Second, func() bool {
		return driver.Session().clientCount("u1") == 1
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("driver did not stop")
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected server-side close")
	}
	_ = conn.Close()

	goleak.VerifyNone(t, ignore)
}

func TestDriverStartRejectsNilSink(t *testing.T) {
	t.Parallel()

	driver, err := NewDriver(NewSession(), NewDefaultDecoder())
	if err != nil {
		t.Fatalf("new driver failed: %v", err)
	}
	if err := driver.Start(context.Background(), nil); err == nil {
		t.Fatal("expected nil sink error")
	}
}

func TestNewDriverValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewDriver(nil, NewDefaultDecoder()); err == nil {
		t.Fatal("expected nil session error")
	}
	if _, err := NewDriver(NewSession(), nil); err == nil {
		t.Fatal("expected nil decoder error")
	}
}

func TestDriverCheckOrigin(t *testing.T) {
	t.Parallel()

	driver, err := NewDriver(NewSession(), NewDefaultDecoder(), WithAllowedOrigins([]string{"http://localhost:30000"}))
	if err != nil {
		t.Fatalf("new driver failed: %v", err)
	}

	tests := []struct {
		origin string
		want   bool
	}{
		{origin: "http://localhost:30000", want: true},
		{origin: "http://evil.example", want: false},
		{origin: "", want: false},
	}
	for _, testCase := range tests {
		request := httptest.NewRequest("GET", "/bridge", nil)
		if testCase.origin != "" {
			request.Header.Set("Origin", testCase.origin)
		}
		if got := driver.checkOrigin(request); got != testCase.want {
			t.Fatalf("checkOrigin(%q) = %v, want %v", testCase.origin, got, testCase.want)
		}
	}
}

type captureSink struct {
	events chan *toolbox.Event
}

func newCaptureSink() *captureSink {
	return &captureSink{events: make(chan *toolbox.Event, 16)}
}

func (s *captureSink) Publish(ctx context.Context, event *toolbox.Event) error {
	select {
	case s.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *captureSink) next(t *testing.T) *toolbox.Event {
	t.Helper()

	select {
	case event := <-s.events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// savingSink saves and clears the live targets when a token is released,
// the way selection memory does.
type savingSink struct {
	session *Session
	delay   time.Duration

	mu    sync.Mutex
	saved []string
	plain int
}

func (s *savingSink) Publish(_ context.Context, _ *toolbox.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plain++
	return nil
}

func (s *savingSink) PublishAndWait(ctx context.Context, event *toolbox.Event) error {
	if event.Control == nil || event.Control.Controlled {
		return nil
	}
	time.Sleep(s.delay)
	targets, err := s.session.CurrentTargets(ctx, event.Actor.ID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.saved = targets
	s.mu.Unlock()
	return s.session.ReplaceTargets(ctx, event.Actor.ID, nil)
}

func (s *savingSink) savedTargets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.saved...)
}

func (s *savingSink) published() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plain
}

type errorRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *errorRecorder) record(_ context.Context, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *errorRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func (r *errorRecorder) snapshot() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func dialBridge(t *testing.T, httpURL string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(httpURL, "http"), nil)
	if err != nil {
		t.Fatalf("dial bridge failed: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()

	if !json.Valid([]byte(raw)) && !strings.HasPrefix(raw, "not") {
		t.Fatalf("test frame is not valid json: %s", raw)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write frame failed: %v", err)
	}
}

func eventually(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}

	t.Fatal("condition not met before timeout")
}
