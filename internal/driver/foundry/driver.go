package foundry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"gm-toolbox/pkg/toolbox"
)

const (
	defaultListenAddr      = "127.0.0.1:30050"
	defaultPath            = "/bridge"
	defaultPublishTimeout  = 2 * time.Second
	defaultSettleTimeout   = 10 * time.Second
	defaultWriteTimeout    = 5 * time.Second
	defaultReadLimit       = 64 << 10
	defaultClientBuffer    = 16
	defaultShutdownTimeout = 5 * time.Second
	defaultFrameRate       = 50
	defaultFrameBurst      = 100
)

var (
	errClientClosed = errors.New("client closed")
	// ErrFrameRateExceeded reports an inbound frame dropped by the per-connection limiter.
	ErrFrameRateExceeded = errors.New("foundry: frame rate exceeded")
)

// driverConfig contains listener, timeout, and error reporting controls.
type driverConfig struct {
	name           string
	listenAddr     string
	path           string
	publishTimeout time.Duration
	settleTimeout  time.Duration
	writeTimeout   time.Duration
	readLimit      int64
	clientBuffer   int
	allowedOrigins []string
	frameRate      rate.Limit
	frameBurst     int
	onAsyncError   func(context.Context, error)
}

// DriverOption mutates Foundry driver configuration.
type DriverOption func(*driverConfig)

// WithName configures the driver identity exposed to the kernel.
func WithName(name string) DriverOption {
	return func(cfg *driverConfig) {
		if name != "" {
			cfg.name = name
		}
	}
}

// WithListenAddr configures the TCP address the bridge listens on.
func WithListenAddr(addr string) DriverOption {
	return func(cfg *driverConfig) {
		if addr != "" {
			cfg.listenAddr = addr
		}
	}
}

// WithPath configures the HTTP path that accepts websocket upgrades.
func WithPath(path string) DriverOption {
	return func(cfg *driverConfig) {
		if path != "" {
			cfg.path = path
		}
	}
}

// WithPublishTimeout configures sink publish timeout per event.
func WithPublishTimeout(timeout time.Duration) DriverOption {
	return func(cfg *driverConfig) {
		if timeout > 0 {
			cfg.publishTimeout = timeout
		}
	}
}

// WithSettleTimeout bounds how long a connection waits for the handlers of a
// controlToken event before reading its next frame.
func WithSettleTimeout(timeout time.Duration) DriverOption {
	return func(cfg *driverConfig) {
		if timeout > 0 {
			cfg.settleTimeout = timeout
		}
	}
}

// WithWriteTimeout configures the deadline for one outbound frame write.
func WithWriteTimeout(timeout time.Duration) DriverOption {
	return func(cfg *driverConfig) {
		if timeout > 0 {
			cfg.writeTimeout = timeout
		}
	}
}

// WithReadLimit configures the maximum inbound frame size in bytes.
func WithReadLimit(limit int64) DriverOption {
	return func(cfg *driverConfig) {
		if limit > 0 {
			cfg.readLimit = limit
		}
	}
}

// WithClientBuffer configures the outbound queue length per connection.
func WithClientBuffer(size int) DriverOption {
	return func(cfg *driverConfig) {
		if size > 0 {
			cfg.clientBuffer = size
		}
	}
}

// WithAllowedOrigins restricts websocket upgrades to the listed Origin headers.
func WithAllowedOrigins(origins []string) DriverOption {
	return func(cfg *driverConfig) {
		cfg.allowedOrigins = append([]string(nil), origins...)
	}
}

// WithFrameRate limits inbound frames per connection to perSecond with the
// given burst. Frames over the limit are reported and skipped.
func WithFrameRate(perSecond float64, burst int) DriverOption {
	return func(cfg *driverConfig) {
		if perSecond > 0 && burst > 0 {
			cfg.frameRate = rate.Limit(perSecond)
			cfg.frameBurst = burst
		}
	}
}

// WithErrorHandler configures async callback errors.
func WithErrorHandler(handler func(context.Context, error)) DriverOption {
	return func(cfg *driverConfig) {
		if handler != nil {
			cfg.onAsyncError = handler
		}
	}
}

// Driver accepts host plugin connections and adapts their frames into neutral events.
type Driver struct {
	cfg      driverConfig
	session  *Session
	decoder  Decoder
	upgrader websocket.Upgrader
	conns    sync.WaitGroup
}

// NewDriver creates a Foundry bridge driver.
func NewDriver(session *Session, decoder Decoder, options ...DriverOption) (*Driver, error) {
	if session == nil {
		return nil, fmt.Errorf("new foundry driver: nil session")
	}
	if decoder == nil {
		return nil, fmt.Errorf("new foundry driver: nil decoder")
	}

	cfg := driverConfig{
		name:           DriverType,
		listenAddr:     defaultListenAddr,
		path:           defaultPath,
		publishTimeout: defaultPublishTimeout,
		settleTimeout:  defaultSettleTimeout,
		writeTimeout:   defaultWriteTimeout,
		readLimit:      defaultReadLimit,
		clientBuffer:   defaultClientBuffer,
		frameRate:      defaultFrameRate,
		frameBurst:     defaultFrameBurst,
		onAsyncError:   func(context.Context, error) {},
	}
	for _, option := range options {
		option(&cfg)
	}

	driver := &Driver{
		cfg:     cfg,
		session: session,
		decoder: decoder,
	}
	driver.upgrader = websocket.Upgrader{CheckOrigin: driver.checkOrigin}
	session.onPushError = func(userID string, err error) {
		cfg.onAsyncError(context.Background(), fmt.Errorf("push targets to %s: %w", userID, err))
	}

	return driver, nil
}

// Name returns the stable driver identifier.
func (d *Driver) Name() string {
	return d.cfg.name
}

// Session returns the user state hub fed by this driver.
func (d *Driver) Session() *Session {
	return d.session
}

// Start listens for host connections and publishes their events until ctx ends.
func (d *Driver) Start(ctx context.Context, sink toolbox.EventSink) error {
	if sink == nil {
		return fmt.Errorf("start foundry driver: nil sink")
	}

	listener, err := net.Listen("tcp", d.cfg.listenAddr)
	if err != nil {
		return fmt.Errorf("start foundry driver: listen %s: %w", d.cfg.listenAddr, err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	server := &http.Server{
		Handler:           d.Handler(groupCtx, sink),
		ReadHeaderTimeout: defaultWriteTimeout,
	}
	group.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	})

	err = group.Wait()
	d.conns.Wait()
	if err != nil {
		return fmt.Errorf("start foundry driver: %w", err)
	}

	return nil
}

// Handler returns the HTTP handler serving bridge connections bound to ctx.
func (d *Driver) Handler(ctx context.Context, sink toolbox.EventSink) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(d.cfg.path, func(w http.ResponseWriter, r *http.Request) {
		d.conns.Add(1)
		defer d.conns.Done()

		conn, err := d.upgrader.Upgrade(w, r, nil)
		if err != nil {
			d.cfg.onAsyncError(ctx, fmt.Errorf("upgrade %s: %w", r.RemoteAddr, err))
			return
		}
		d.serveConn(ctx, conn, sink)
	})

	return mux
}

// Shutdown releases resources not controlled by Start context.
func (d *Driver) Shutdown(_ context.Context) error {
	return nil
}

// serveConn reads frames from one connection until it closes or ctx ends.
// The first frame binds the connection to its user.
//
// Frames are applied in arrival order. A controlToken event is settled before
// the next frame is read, so a target the user picks right after releasing a
// token is neither saved into that token's memory nor cleared by the save.
func (d *Driver) serveConn(ctx context.Context, conn *websocket.Conn, sink toolbox.EventSink) {
	c := newClient(conn, d.cfg.clientBuffer)
	conn.SetReadLimit(d.cfg.readLimit)
	limiter := rate.NewLimiter(d.cfg.frameRate, d.cfg.frameBurst)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(d.cfg.writeTimeout)
	}()
	stop := context.AfterFunc(ctx, c.close)

	var userID string
	defer func() {
		stop()
		if userID != "" {
			d.session.detach(userID, c)
		}
		c.close()
		<-writerDone
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				d.cfg.onAsyncError(ctx, fmt.Errorf("read frame from %s: %w", conn.RemoteAddr(), err))
			}
			return
		}
		if !limiter.Allow() {
			d.cfg.onAsyncError(ctx, fmt.Errorf("connection %s: %w", conn.RemoteAddr(), ErrFrameRateExceeded))
			continue
		}

		frame, err := ParseFrame(raw)
		if err != nil {
			d.cfg.onAsyncError(ctx, fmt.Errorf("connection %s: %w", conn.RemoteAddr(), err))
			continue
		}
		if userID == "" {
			userID = frame.User
			d.session.attach(userID, c)
		} else if frame.User != userID {
			d.cfg.onAsyncError(ctx, fmt.Errorf(
				"connection %s: frame user %s on connection bound to %s", conn.RemoteAddr(), frame.User, userID,
			))
			continue
		}

		d.session.Observe(frame)
		if frame.Type == FrameTypeHello {
			continue
		}
		if err := d.handleFrame(ctx, frame, sink); err != nil {
			d.cfg.onAsyncError(ctx, err)
		}
	}
}

// handleFrame decodes one frame and publishes it with bounded latency.
// controlToken events wait for their handlers when the sink can settle.
func (d *Driver) handleFrame(ctx context.Context, frame Frame, sink toolbox.EventSink) error {
	event, err := d.decodeSafely(ctx, frame)
	if err != nil {
		return fmt.Errorf("handle frame %s: %w", frame.Type, err)
	}
	event.Source.Host = DriverHost
	if event.Source.ID == "" {
		event.Source.ID = d.cfg.name
	}

	settling, canSettle := sink.(toolbox.SettlingSink)
	if frame.Type == FrameTypeControlToken && canSettle {
		settleCtx, cancel := context.WithTimeout(ctx, d.cfg.settleTimeout)
		defer cancel()
		if err := settling.PublishAndWait(settleCtx, event); err != nil {
			return fmt.Errorf("handle frame %s settle: %w", frame.Type, err)
		}
		return nil
	}

	publishCtx, cancel := context.WithTimeout(ctx, d.cfg.publishTimeout)
	defer cancel()
	if err := sink.Publish(publishCtx, event); err != nil {
		return fmt.Errorf("handle frame %s publish: %w", frame.Type, err)
	}

	return nil
}

// decodeSafely protects decoder panics at the adapter boundary.
func (d *Driver) decodeSafely(ctx context.Context, frame Frame) (decoded *toolbox.Event, err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		err = fmt.Errorf("decode foundry frame %s panic: %v", frame.Type, recovered)
	}()

	decoded, err = d.decoder.Decode(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("decode foundry frame %s: %w", frame.Type, err)
	}
	if decoded == nil {
		return nil, fmt.Errorf("decode foundry frame %s: nil event", frame.Type)
	}

	return decoded, nil
}

func (d *Driver) checkOrigin(r *http.Request) bool {
	if len(d.cfg.allowedOrigins) == 0 {
		return true
	}

	return slices.Contains(d.cfg.allowedOrigins, r.Header.Get("Origin"))
}

// client owns the single writer goroutine of one connection.
type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(conn *websocket.Conn, buffer int) *client {
	return &client{
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// enqueue hands payload to the writer without blocking.
func (c *client) enqueue(payload []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		return fmt.Errorf("client send buffer full")
	}
}

func (c *client) writeLoop(writeTimeout time.Duration) {
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
