// Package discovery finds the relay serving a contact's domain through DNS
// SRV records.
package discovery

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Service is the SRV service label relays are published under.
const Service = "_tubeshell._tcp"

const resolvConf = "/etc/resolv.conf"

var (
	ErrNoRelay        = errors.New("no relay published for domain")
	ErrInvalidContact = errors.New("contact has no domain")
)

// Resolver queries SRV records from a fixed list of DNS servers.
type Resolver struct {
	servers []string
	client  *dns.Client
}

// NewResolver creates a resolver for the given servers, as host:port. With
// no servers, the nameservers from /etc/resolv.conf are used.
func NewResolver(servers ...string) (*Resolver, error) {
	if len(servers) == 0 {
		conf, err := dns.ClientConfigFromFile(resolvConf)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", resolvConf, err)
		}
		for _, s := range conf.Servers {
			servers = append(servers, net.JoinHostPort(s, conf.Port))
		}
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no DNS servers configured")
	}
	return &Resolver{
		servers: servers,
		client:  &dns.Client{Timeout: 5 * time.Second},
	}, nil
}

// LookupRelay returns the websocket URLs of the relays published for domain,
// most preferred first: lower priority, then higher weight.
func (r *Resolver) LookupRelay(ctx context.Context, domain string) ([]string, error) {
	name := dns.Fqdn(Service + "." + strings.TrimSuffix(domain, "."))
	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeSRV)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		in, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			if ctx.Err() != nil {
				return nil, context.Cause(ctx)
			}
			lastErr = fmt.Errorf("query %s at %s: %w", name, server, err)
			continue
		}
		switch in.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, fmt.Errorf("%w: %s", ErrNoRelay, domain)
		default:
			lastErr = fmt.Errorf("query %s at %s: %s", name, server, dns.RcodeToString[in.Rcode])
			continue
		}
		return relayURLs(domain, in.Answer)
	}
	return nil, lastErr
}

func relayURLs(domain string, answer []dns.RR) ([]string, error) {
	var records []*dns.SRV
	for _, rr := range answer {
		if srv, ok := rr.(*dns.SRV); ok && srv.Target != "." {
			records = append(records, srv)
		}
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRelay, domain)
	}

	slices.SortStableFunc(records, func(a, b *dns.SRV) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(b.Weight, a.Weight)
	})

	urls := make([]string, len(records))
	for i, srv := range records {
		host := strings.TrimSuffix(srv.Target, ".")
		urls[i] = "ws://" + net.JoinHostPort(host, strconv.Itoa(int(srv.Port)))
	}
	return urls, nil
}

// DomainOf returns the domain part of a contact ID such as
// "alice@example.org".
func DomainOf(contact string) (string, error) {
	i := strings.LastIndexByte(contact, '@')
	if i < 0 || i == len(contact)-1 {
		return "", fmt.Errorf("%w: %q", ErrInvalidContact, contact)
	}
	return contact[i+1:], nil
}

// RelayForContact returns the preferred relay URL for contact's domain.
func (r *Resolver) RelayForContact(ctx context.Context, contact string) (string, error) {
	domain, err := DomainOf(contact)
	if err != nil {
		return "", err
	}
	urls, err := r.LookupRelay(ctx, domain)
	if err != nil {
		return "", err
	}
	return urls[0], nil
}
