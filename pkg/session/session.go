// Package session runs the two ends of a remote shell: the client, which
// offers a tube to a contact and splices it to a local ssh client, and the
// service, which accepts tubes and splices each one to sshd.
package session

import (
	"context"

	"github.com/vercel-eddie/tubeshell/pkg/stream"
	"github.com/vercel-eddie/tubeshell/pkg/tube"
)

// OpenFunc produces one end of a session.
type OpenFunc func(ctx context.Context) (stream.Stream, error)

// Request is a tube offered to the service.
type Request interface {
	// Accept accepts the tube and returns it once it is ready for data.
	Accept(ctx context.Context) (stream.Stream, error)
	// From is the account that offered the tube.
	From() string
}

// ListenFunc delivers tube requests to handle until ctx is done or the
// listener fails. handle may be called concurrently.
type ListenFunc func(ctx context.Context, handle func(Request)) error

// Observer follows a client session.
type Observer interface {
	// Initialized is called before the tube is requested.
	Initialized()
	// Connected is called once data flows between tube and ssh client.
	Connected()
	// Finished is called once with the outcome.
	Finished(err error)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnInitialized func()
	OnConnected   func()
	OnFinished    func(error)
}

func (o ObserverFuncs) Initialized() {
	if o.OnInitialized != nil {
		o.OnInitialized()
	}
}

func (o ObserverFuncs) Connected() {
	if o.OnConnected != nil {
		o.OnConnected()
	}
}

func (o ObserverFuncs) Finished(err error) {
	if o.OnFinished != nil {
		o.OnFinished(err)
	}
}

// OfferTube opens the client end by offering a tube for service to contact.
func OfferTube(c *tube.Client, contact, service string) OpenFunc {
	return func(ctx context.Context) (stream.Stream, error) {
		t, err := c.Offer(ctx, contact, service)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

// ListenTubes delivers the tubes offered to c's account for services.
func ListenTubes(c *tube.Client, services []string) ListenFunc {
	return func(ctx context.Context, handle func(Request)) error {
		return c.Listen(ctx, services, func(in *tube.Incoming) {
			handle(tubeRequest{in})
		})
	}
}

type tubeRequest struct {
	in *tube.Incoming
}

func (r tubeRequest) Accept(ctx context.Context) (stream.Stream, error) {
	t, err := r.in.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r tubeRequest) From() string { return r.in.From }
