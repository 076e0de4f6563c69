package tube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client talks to a relay on behalf of one account.
type Client struct {
	relayURL string
	account  string
	dialer   *websocket.Dialer
	logger   *slog.Logger
}

// NewClient creates a client for the relay at relayURL. http(s) URLs are
// converted to ws(s) and the /tube path is appended when missing.
func NewClient(relayURL, account string, logger *slog.Logger) *Client {
	if strings.HasPrefix(relayURL, "https://") {
		relayURL = "wss://" + strings.TrimPrefix(relayURL, "https://")
	} else if strings.HasPrefix(relayURL, "http://") {
		relayURL = "ws://" + strings.TrimPrefix(relayURL, "http://")
	}

	if !strings.HasSuffix(relayURL, "/tube") {
		relayURL = strings.TrimSuffix(relayURL, "/") + "/tube"
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		relayURL: relayURL,
		account:  account,
		logger:   logger,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
			ReadBufferSize:   wsBufferSize,
			WriteBufferSize:  wsBufferSize,
		},
	}
}

// URL returns the relay URL.
func (c *Client) URL() string { return c.relayURL }

// Account returns the account the client registers as.
func (c *Client) Account() string { return c.account }

// register dials the relay and sends the registration frame.
func (c *Client) register(ctx context.Context, reg *Frame) (*websocket.Conn, error) {
	u, err := url.Parse(c.relayURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay URL: %w", err)
	}

	header := http.Header{}
	header.Set("Origin", fmt.Sprintf("http://%s", u.Host))

	conn, resp, err := c.dialer.DialContext(ctx, c.relayURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	reg.Type = TypeRegister
	if reg.Account == "" {
		reg.Account = c.account
	}
	if err := writeFrame(conn, reg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send registration: %w", err)
	}
	return conn, nil
}

// awaitFrame reads the next control frame. Cancelling ctx closes conn.
func awaitFrame(ctx context.Context, conn *websocket.Conn) (*Frame, error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	messageType, data, err := conn.ReadMessage()
	if !stop() {
		return nil, context.Cause(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read from relay: %w", err)
	}
	if messageType != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: unexpected message type %d", ErrBadRequest, messageType)
	}
	f, err := ParseFrame(data)
	if err != nil {
		return nil, err
	}
	if err := f.Err(); err != nil {
		return nil, err
	}
	return f, nil
}

// awaitPaired waits for the relay to pair conn and wraps it into a Tube.
func (c *Client) awaitPaired(ctx context.Context, conn *websocket.Conn) (*Tube, error) {
	f, err := awaitFrame(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if f.Type != TypePaired {
		conn.Close()
		return nil, fmt.Errorf("%w: expected %s frame, got %s", ErrBadRequest, TypePaired, f.Type)
	}
	return newTube(conn, f.TubeID, true), nil
}

// Offer offers a tube for service to contact and returns it once the
// contact has accepted. An empty service means DefaultService.
func (c *Client) Offer(ctx context.Context, contact, service string) (*Tube, error) {
	if service == "" {
		service = DefaultService
	}
	conn, err := c.register(ctx, &Frame{Role: RoleOffer, Contact: contact, Service: service})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("offered tube", "contact", contact, "service", service)

	t, err := c.awaitPaired(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("offer %s to %s: %w", service, contact, err)
	}
	c.logger.Info("tube accepted", "tube_id", t.ID(), "contact", contact, "service", service)
	return t, nil
}

// Incoming is a tube offered to the listening account.
type Incoming struct {
	ID      string
	From    string
	Service string

	client *Client
}

// Accept accepts the tube and returns it once paired.
func (in *Incoming) Accept(ctx context.Context) (*Tube, error) {
	conn, err := in.client.register(ctx, &Frame{Role: RoleAccept, TubeID: in.ID})
	if err != nil {
		return nil, err
	}
	t, err := in.client.awaitPaired(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("accept tube %s: %w", in.ID, err)
	}
	return t, nil
}

// Listen registers the account as online for services and calls handler in
// a new goroutine for every incoming tube. It blocks until ctx is cancelled
// or the relay connection fails.
func (c *Client) Listen(ctx context.Context, services []string, handler func(*Incoming)) error {
	if len(services) == 0 {
		services = []string{DefaultService}
	}
	conn, err := c.register(ctx, &Frame{Role: RoleListen, Services: services})
	if err != nil {
		return err
	}
	defer conn.Close()

	f, err := awaitFrame(ctx, conn)
	if err != nil {
		return fmt.Errorf("register %s: %w", c.account, err)
	}
	if f.Type != TypeRegistered {
		return fmt.Errorf("%w: expected %s frame, got %s", ErrBadRequest, TypeRegistered, f.Type)
	}
	c.logger.Info("listening for tubes", "account", c.account, "services", services, "relay", c.relayURL)

	pingDone := make(chan struct{})
	defer close(pingDone)
	go keepAlive(conn, pingDone)

	for {
		f, err := awaitFrame(ctx, conn)
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			var relayErr *RelayError
			if errors.As(err, &relayErr) {
				c.logger.Error("relay reported error", "error", err)
				continue
			}
			return err
		}
		if f.Type != TypeIncoming {
			c.logger.Debug("ignoring frame", "type", f.Type)
			continue
		}

		c.logger.Info("incoming tube", "tube_id", f.TubeID, "from", f.From, "service", f.Service)
		go handler(&Incoming{
			ID:      f.TubeID,
			From:    f.From,
			Service: f.Service,
			client:  c,
		})
	}
}

// keepAlive pings conn until done is closed. Nothing else writes to a
// listening connection after registration.
func keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
