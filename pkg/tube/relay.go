package tube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/segmentio/ksuid"
	"github.com/vercel-eddie/tubeshell/pkg/splice"
)

const (
	// registrationTimeout is how long to wait for a registration message
	registrationTimeout = 30 * time.Second

	defaultPairingTimeout = 60 * time.Second
)

// online is an account registered with RoleListen.
type online struct {
	account  string
	services []string
	conn     *websocket.Conn
	writeMu  sync.Mutex
}

func (o *online) send(f *Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return err
	}
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	_ = o.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return o.conn.WriteMessage(websocket.BinaryMessage, data)
}

// pendingTube is an offer waiting for the contact to accept it.
type pendingTube struct {
	from    string
	contact string
	service string
	ready   chan *websocket.Conn // receives the accepting connection
	done    chan struct{}        // closed when the tube is finished
}

// Relay pairs offering and accepting peers and splices their websockets
// together.
type Relay struct {
	httpServer *http.Server
	addr       string
	name       string
	upgrader   websocket.Upgrader
	conns      *xsync.MapOf[*websocket.Conn, struct{}]

	// accounts tracks listening peers keyed by account.
	accounts *xsync.MapOf[string, *online]
	// pendingTubes tracks offers waiting for an accept, keyed by tube ID.
	pendingTubes *xsync.MapOf[string, *pendingTube]

	pairingTimeout time.Duration
	observer       splice.Observer
	logger         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	tubes  sync.WaitGroup
}

// RelayConfig configures the relay.
type RelayConfig struct {
	Addr           string          // Listen address (default ":7070")
	Name           string          // Reported in the X-Tubeshell-Relay header
	PairingTimeout time.Duration   // How long an offer waits to be accepted (default 60s)
	Observer       splice.Observer // Optional, notified about every relayed tube
	Logger         *slog.Logger
}

// NewRelay creates a relay. Use Start to serve on the configured address or
// mount Handler on an existing server.
func NewRelay(cfg RelayConfig) *Relay {
	addr := cfg.Addr
	if addr == "" {
		addr = ":7070"
	}

	pairingTimeout := cfg.PairingTimeout
	if pairingTimeout == 0 {
		pairingTimeout = defaultPairingTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		addr:           addr,
		name:           cfg.Name,
		conns:          xsync.NewMapOf[*websocket.Conn, struct{}](),
		accounts:       xsync.NewMapOf[string, *online](),
		pendingTubes:   xsync.NewMapOf[string, *pendingTube](),
		pairingTimeout: pairingTimeout,
		observer:       cfg.Observer,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsBufferSize,
			WriteBufferSize: wsBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", r.handleHealth)
	mux.HandleFunc("/tube", r.handleTube)

	r.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return r
}

// Handler returns the relay's HTTP handler.
func (r *Relay) Handler() http.Handler { return r.httpServer.Handler }

// HasService reports whether contact is online and advertises service.
func (r *Relay) HasService(contact, service string) bool {
	o, ok := r.accounts.Load(contact)
	return ok && slices.Contains(o.services, service)
}

func (r *Relay) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("X-Tubeshell-Relay", r.name)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (r *Relay) handleTube(w http.ResponseWriter, req *http.Request) {
	wsConn, err := r.upgrader.Upgrade(w, req, http.Header{
		"X-Tubeshell-Relay": []string{r.name},
	})
	if err != nil {
		r.logger.Error("failed to upgrade websocket", "error", err, "remote", req.RemoteAddr)
		return
	}

	r.conns.Store(wsConn, struct{}{})
	defer func() {
		r.conns.Delete(wsConn)
		_ = wsConn.Close()
	}()

	remoteAddr := req.RemoteAddr

	_ = wsConn.SetReadDeadline(time.Now().Add(registrationTimeout))
	messageType, data, err := wsConn.ReadMessage()
	if err != nil {
		r.logger.Error("failed to read registration message", "error", err, "remote", remoteAddr)
		return
	}
	_ = wsConn.SetReadDeadline(time.Time{})

	if messageType != websocket.BinaryMessage {
		r.logger.Error("unexpected message type for registration", "type", messageType, "remote", remoteAddr)
		r.sendError(wsConn, CodeBadRequest, "registration must be a binary message")
		return
	}

	reg, err := ParseFrame(data)
	if err != nil || reg.Type != TypeRegister {
		r.logger.Error("invalid registration message", "error", err, "remote", remoteAddr)
		r.sendError(wsConn, CodeBadRequest, "invalid registration message")
		return
	}

	r.logger.Debug("received registration",
		"remote", remoteAddr,
		"role", reg.Role,
		"account", reg.Account,
		"contact", reg.Contact,
		"service", reg.Service,
		"tube_id", reg.TubeID,
	)

	switch reg.Role {
	case RoleListen:
		r.handleListen(wsConn, reg, remoteAddr)
	case RoleOffer:
		r.handleOffer(req.Context(), wsConn, reg, remoteAddr)
	case RoleAccept:
		r.handleAccept(wsConn, reg, remoteAddr)
	default:
		r.sendError(wsConn, CodeBadRequest, fmt.Sprintf("unknown role %q", reg.Role))
	}
}

func (r *Relay) handleListen(wsConn *websocket.Conn, reg *Frame, remoteAddr string) {
	if reg.Account == "" {
		r.sendError(wsConn, CodeBadRequest, "registration missing account")
		return
	}

	o := &online{account: reg.Account, services: reg.Services, conn: wsConn}
	if prev, loaded := r.accounts.LoadAndStore(reg.Account, o); loaded {
		r.logger.Info("account registered again, dropping previous connection", "account", reg.Account)
		prev.conn.Close()
	}
	defer r.accounts.Compute(reg.Account, func(old *online, loaded bool) (*online, bool) {
		if loaded && old == o {
			return nil, true // delete
		}
		return old, false
	})

	if err := o.send(&Frame{Type: TypeRegistered, Account: reg.Account}); err != nil {
		r.logger.Debug("failed to acknowledge registration", "error", err, "account", reg.Account)
		return
	}
	r.logger.Info("account online", "account", reg.Account, "services", reg.Services, "remote", remoteAddr)

	// Listeners send nothing after registering; reading keeps control
	// frames (pings, close) flowing and notices the disconnect.
	for {
		if _, _, err := wsConn.ReadMessage(); err != nil {
			break
		}
	}
	r.logger.Info("account offline", "account", reg.Account, "remote", remoteAddr)
}

func (r *Relay) handleOffer(ctx context.Context, wsConn *websocket.Conn, reg *Frame, remoteAddr string) {
	if reg.Account == "" || reg.Contact == "" {
		r.sendError(wsConn, CodeBadRequest, "offer missing account or contact")
		return
	}
	service := reg.Service
	if service == "" {
		service = DefaultService
	}

	target, ok := r.accounts.Load(reg.Contact)
	if !ok {
		r.sendError(wsConn, CodeOffline, fmt.Sprintf("contact %s is not online", reg.Contact))
		return
	}
	if !slices.Contains(target.services, service) {
		r.sendError(wsConn, CodeUnsupported, fmt.Sprintf("contact %s does not support service %s", reg.Contact, service))
		return
	}

	tubeID := ksuid.New().String()

	pairCtx, cancel := context.WithTimeout(ctx, r.pairingTimeout)
	defer cancel()

	pending := &pendingTube{
		from:    reg.Account,
		contact: reg.Contact,
		service: service,
		ready:   make(chan *websocket.Conn, 1),
		done:    make(chan struct{}),
	}
	r.pendingTubes.Store(tubeID, pending)
	defer func() {
		r.pendingTubes.Compute(tubeID, func(old *pendingTube, loaded bool) (*pendingTube, bool) {
			if loaded && old == pending {
				return nil, true // delete
			}
			return old, false
		})
		close(pending.done)
	}()

	err := target.send(&Frame{
		Type:    TypeIncoming,
		TubeID:  tubeID,
		From:    reg.Account,
		Service: service,
	})
	if err != nil {
		r.logger.Error("failed to notify contact", "error", err, "contact", reg.Contact, "tube_id", tubeID)
		r.sendError(wsConn, CodeOffline, fmt.Sprintf("failed to reach contact %s", reg.Contact))
		return
	}

	r.logger.Debug("offered tube, waiting for accept",
		"tube_id", tubeID,
		"from", reg.Account,
		"contact", reg.Contact,
		"service", service,
		"remote", remoteAddr,
	)

	select {
	case acceptConn := <-pending.ready:
		r.logger.Info("tube paired",
			"tube_id", tubeID,
			"from", reg.Account,
			"contact", reg.Contact,
			"service", service,
		)
		r.relay(tubeID, wsConn, acceptConn)

	case <-pairCtx.Done():
		r.logger.Error("timeout waiting for tube to be accepted",
			"tube_id", tubeID,
			"contact", reg.Contact,
			"remote", remoteAddr,
		)
		r.sendError(wsConn, CodeTimeout, fmt.Sprintf("timeout waiting for %s to accept tube %s", reg.Contact, tubeID))

	case <-r.ctx.Done():
	}
}

func (r *Relay) handleAccept(wsConn *websocket.Conn, reg *Frame, remoteAddr string) {
	if reg.TubeID == "" {
		r.sendError(wsConn, CodeBadRequest, "accept missing tube_id")
		return
	}

	pending, ok := r.pendingTubes.LoadAndDelete(reg.TubeID)
	if !ok {
		r.logger.Error("no pending offer for accept", "tube_id", reg.TubeID, "remote", remoteAddr)
		r.sendError(wsConn, CodeUnknownTube, fmt.Sprintf("no pending tube %s", reg.TubeID))
		return
	}
	if reg.Account != "" && reg.Account != pending.contact {
		r.logger.Error("accept from wrong account",
			"tube_id", reg.TubeID,
			"account", reg.Account,
			"contact", pending.contact,
		)
		r.sendError(wsConn, CodeUnknownTube, fmt.Sprintf("no pending tube %s", reg.TubeID))
		return
	}

	select {
	case pending.ready <- wsConn:
		// The offering handler relays until the tube is finished.
		<-pending.done
	default:
		r.sendError(wsConn, CodeInternal, fmt.Sprintf("failed to pair tube %s", reg.TubeID))
	}
}

// relay announces the pairing to both sides and splices them until both
// ends have finished sending. A half-close on one side reaches the other as
// EOF while the other can still reply.
func (r *Relay) relay(tubeID string, offerConn, acceptConn *websocket.Conn) {
	paired := &Frame{Type: TypePaired, TubeID: tubeID}
	for _, c := range []*websocket.Conn{offerConn, acceptConn} {
		if err := writeFrame(c, paired); err != nil {
			r.logger.Debug("failed to announce pairing", "error", err, "tube_id", tubeID)
			return
		}
	}

	r.tubes.Add(1)
	defer r.tubes.Done()

	opts := []splice.Option{
		splice.WithFlags(splice.CloseStream1 | splice.CloseStream2 | splice.WaitForBoth | splice.CloseWriteOnEOF),
		splice.WithName(tubeID),
		splice.WithLogger(r.logger),
	}
	if r.observer != nil {
		opts = append(opts, splice.WithObserver(r.observer))
	}

	op := splice.Start(r.ctx, newTube(offerConn, tubeID, false), newTube(acceptConn, tubeID, false), opts...)
	<-op.Done()

	result := op.Result()
	if result.Err != nil && !errors.Is(result.Err, context.Canceled) {
		r.logger.Debug("tube relay ended with error", "tube_id", tubeID, "error", result.Err)
	}
	r.logger.Info("tube closed",
		"tube_id", tubeID,
		"forward_bytes", result.Forward,
		"reverse_bytes", result.Reverse,
		"duration", result.Duration,
	)
}

func (r *Relay) sendError(wsConn *websocket.Conn, code, msg string) {
	if err := writeFrame(wsConn, errorFrame(code, msg)); err != nil {
		r.logger.Error("failed to send error message", "error", err)
	}
}

func writeFrame(wsConn *websocket.Conn, f *Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return err
	}
	_ = wsConn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer wsConn.SetWriteDeadline(time.Time{})
	return wsConn.WriteMessage(websocket.BinaryMessage, data)
}

// Start serves the relay on the configured address.
func (r *Relay) Start() error {
	r.logger.Info("starting tube relay", "addr", r.addr)
	return r.httpServer.ListenAndServe()
}

// Serve serves the relay on ln.
func (r *Relay) Serve(ln net.Listener) error {
	r.logger.Info("starting tube relay", "addr", ln.Addr().String())
	return r.httpServer.Serve(ln)
}

// Shutdown closes every websocket, stops all relayed tubes and shuts down
// the HTTP server.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.logger.Info("shutting down tube relay")

	r.cancel()
	r.conns.Range(func(conn *websocket.Conn, _ struct{}) bool {
		conn.Close()
		return true
	})

	err := r.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		r.tubes.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, context.Cause(ctx))
	}
	return err
}

// Addr returns the configured listen address.
func (r *Relay) Addr() string {
	return r.addr
}
