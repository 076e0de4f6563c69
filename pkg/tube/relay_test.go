package tube

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startRelay(t *testing.T, cfg RelayConfig) (*Relay, string) {
	t.Helper()
	cfg.Logger = quietLogger()
	relay := NewRelay(cfg)
	srv := httptest.NewServer(relay.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = relay.Shutdown(ctx)
		srv.Close()
	})
	return relay, srv.URL
}

// listen registers account on the relay and waits until it is online.
func listen(t *testing.T, ctx context.Context, relay *Relay, relayURL, account string, services []string, handler func(*Incoming)) {
	t.Helper()
	client := NewClient(relayURL, account, quietLogger())
	go func() { _ = client.Listen(ctx, services, handler) }()

	service := DefaultService
	if len(services) > 0 {
		service = services[0]
	}
	require.Eventually(t, func() bool {
		return relay.HasService(account, service)
	}, 5*time.Second, 10*time.Millisecond)
}

func echo(ctx context.Context) func(*Incoming) {
	return func(in *Incoming) {
		tb, err := in.Accept(ctx)
		if err != nil {
			return
		}
		defer tb.Close()
		_, _ = io.Copy(tb, tb)
		_ = tb.CloseWrite()
	}
}

func TestHealth(t *testing.T) {
	_, url := startRelay(t, RelayConfig{Name: "test-relay"})

	resp, err := http.Get(url + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "test-relay", resp.Header.Get("X-Tubeshell-Relay"))
}

func TestOfferAccept(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	relay, url := startRelay(t, RelayConfig{})

	incoming := make(chan *Incoming, 1)
	listen(t, ctx, relay, url, "bob@example.org", nil, func(in *Incoming) {
		incoming <- in
		echo(ctx)(in)
	})

	alice := NewClient(url, "alice@example.org", quietLogger())
	tb, err := alice.Offer(ctx, "bob@example.org", "")
	require.NoError(t, err)
	defer tb.Close()

	in := <-incoming
	assert.Equal(t, "alice@example.org", in.From)
	assert.Equal(t, DefaultService, in.Service)
	assert.Equal(t, in.ID, tb.ID())

	_, err = tb.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := io.ReadAtLeast(tb, buf, 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	require.NoError(t, tb.CloseWrite())
	rest, err := io.ReadAll(tb)
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestReplyAfterHalfClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	relay, url := startRelay(t, RelayConfig{})
	listen(t, ctx, relay, url, "bob", nil, func(in *Incoming) {
		tb, err := in.Accept(ctx)
		if err != nil {
			return
		}
		defer tb.Close()
		req, err := io.ReadAll(tb)
		if err != nil {
			return
		}
		_, _ = tb.Write([]byte("reply:" + string(req)))
		_ = tb.CloseWrite()
	})

	tb, err := NewClient(url, "alice", quietLogger()).Offer(ctx, "bob", "")
	require.NoError(t, err)
	defer tb.Close()

	_, err = tb.Write([]byte("req"))
	require.NoError(t, err)
	require.NoError(t, tb.CloseWrite())

	got, err := io.ReadAll(tb)
	require.NoError(t, err)
	assert.Equal(t, "reply:req", string(got))
}

func TestOfferLargeTransfer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	relay, url := startRelay(t, RelayConfig{})
	listen(t, ctx, relay, url, "bob", nil, echo(ctx))

	tb, err := NewClient(url, "alice", quietLogger()).Offer(ctx, "bob", DefaultService)
	require.NoError(t, err)
	defer tb.Close()

	payload := make([]byte, 256*1024)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	go func() {
		_, _ = tb.Write(payload)
	}()

	got := make([]byte, len(payload))
	_, err = io.ReadFull(tb, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestOfferErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	relay, url := startRelay(t, RelayConfig{PairingTimeout: 100 * time.Millisecond})

	// carol is online but never accepts anything.
	listen(t, ctx, relay, url, "carol", []string{DefaultService}, func(*Incoming) {})

	tests := []struct {
		name    string
		contact string
		service string
		wantErr error
	}{
		{name: "offline", contact: "dave", service: DefaultService, wantErr: ErrContactOffline},
		{name: "unsupported service", contact: "carol", service: "vnc", wantErr: ErrServiceUnsupported},
		{name: "not accepted", contact: "carol", service: DefaultService, wantErr: ErrPairingTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(url, "alice", quietLogger()).Offer(ctx, tt.contact, tt.service)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var relayErr *RelayError
			assert.ErrorAs(t, err, &relayErr)
		})
	}
}

func TestAcceptUnknownTube(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, url := startRelay(t, RelayConfig{})

	in := &Incoming{ID: "does-not-exist", client: NewClient(url, "bob", quietLogger())}
	_, err := in.Accept(ctx)
	assert.ErrorIs(t, err, ErrUnknownTube)
}

func TestOfferCanceled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	relay, url := startRelay(t, RelayConfig{})
	listen(t, ctx, relay, url, "bob", nil, func(*Incoming) {})

	offerCtx, offerCancel := context.WithCancel(ctx)
	time.AfterFunc(50*time.Millisecond, offerCancel)

	_, err := NewClient(url, "alice", quietLogger()).Offer(offerCtx, "bob", "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHasServiceTracksListeners(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	relay, url := startRelay(t, RelayConfig{})
	assert.False(t, relay.HasService("bob", DefaultService))

	listenCtx, stopListening := context.WithCancel(ctx)
	listen(t, listenCtx, relay, url, "bob", []string{DefaultService, "vnc"}, func(*Incoming) {})
	assert.True(t, relay.HasService("bob", "vnc"))
	assert.False(t, relay.HasService("bob", "rdp"))

	stopListening()
	require.Eventually(t, func() bool {
		return !relay.HasService("bob", DefaultService)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTubeReadDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	relay, url := startRelay(t, RelayConfig{})
	accepted := make(chan *Tube, 1)
	listen(t, ctx, relay, url, "bob", nil, func(in *Incoming) {
		tb, err := in.Accept(ctx)
		if err == nil {
			accepted <- tb
		}
	})

	tb, err := NewClient(url, "alice", quietLogger()).Offer(ctx, "bob", "")
	require.NoError(t, err)
	defer tb.Close()
	peer := <-accepted
	defer peer.Close()

	require.NoError(t, tb.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
	_, err = tb.Read(make([]byte, 8))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)

	// The tube is still usable once the deadline is cleared.
	require.NoError(t, tb.SetReadDeadline(time.Time{}))
	_, err = peer.Write([]byte("later"))
	require.NoError(t, err)

	buf := make([]byte, 8)
	n, err := io.ReadAtLeast(tb, buf, 5)
	require.NoError(t, err)
	assert.Equal(t, "later", string(buf[:n]))
}

func TestFrameEncoding(t *testing.T) {
	in := &Frame{
		Type:     TypeRegister,
		Role:     RoleListen,
		Account:  "bob",
		Services: []string{"reverse-ssh", "vnc"},
	}
	data, err := in.Marshal()
	require.NoError(t, err)

	out, err := ParseFrame(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.NoError(t, out.Err())

	_, err = ParseFrame([]byte{0xff, 0x01})
	assert.Error(t, err)

	errFrame := errorFrame(CodeOffline, "gone")
	assert.ErrorIs(t, errFrame.Err(), ErrContactOffline)
}

func TestNewClientNormalizesURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "http://relay.example.org", want: "ws://relay.example.org/tube"},
		{in: "https://relay.example.org/", want: "wss://relay.example.org/tube"},
		{in: "ws://127.0.0.1:7070/tube", want: "ws://127.0.0.1:7070/tube"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NewClient(tt.in, "a", nil).URL())
		})
	}
}
