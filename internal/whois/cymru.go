// Package whois queries the Team Cymru IP-to-ASN bulk whois service.
package whois

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/ammario/ipisp/v2"
)

// DefaultAddr is the public bulk whois endpoint.
const DefaultAddr = "whois.cymru.com:43"

// Client speaks the bulk whois protocol through ipisp.BulkClient on a
// connection it dials itself, so the endpoint and deadline stay configurable.
type Client struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer
}

// NewClient creates a bulk whois client.
func NewClient(addr string, timeout time.Duration) *Client {
	if addr == "" {
		addr = DefaultAddr
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{addr: addr, timeout: timeout}
}

// LookupMany resolves the registry prefix of every address. Results are
// keyed by the caller's spelling of each address. Addresses the registry
// has no prefix for are absent from the result.
func (c *Client) LookupMany(ctx context.Context, addrs []string) (map[string]netip.Prefix, error) {
	result := make(map[string]netip.Prefix, len(addrs))

	// Canonical form -> every input spelling of it
	spellings := make(map[netip.Addr][]string, len(addrs))
	var batch []net.IP
	for _, raw := range addrs {
		a, err := netip.ParseAddr(raw)
		if err != nil {
			continue
		}
		a = a.Unmap()
		if _, seen := spellings[a]; !seen {
			batch = append(batch, net.IP(a.AsSlice()))
		}
		spellings[a] = append(spellings[a], raw)
	}
	if len(batch) == 0 {
		return result, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// The service rejects a line (unannounced or reserved address) by
	// aborting the bulk answer there; the rest goes out in a new session.
	for len(batch) > 0 {
		answers, err := c.session(ctx, batch)
		for _, r := range answers {
			a, p, ok := prefixOf(r)
			if !ok {
				continue
			}
			for _, raw := range spellings[a] {
				result[raw] = p
			}
		}
		switch {
		case len(answers) >= len(batch):
			return result, nil
		case err == nil || isTransport(err):
			return result, fmt.Errorf("bulk answer incomplete after %d of %d lines: %w",
				len(answers), len(batch), errOrTruncated(err))
		}
		batch = batch[len(answers)+1:]
	}
	return result, nil
}

// session runs one bulk exchange over a fresh connection.
func (c *Client) session(ctx context.Context, ips []net.IP) ([]ipisp.Response, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("set deadline: %w", err)
		}
	}

	if _, err := io.WriteString(conn, "begin\r\nverbose\r\n"); err != nil {
		return nil, fmt.Errorf("write bulk header: %w", err)
	}
	if err := skipLine(conn); err != nil {
		return nil, fmt.Errorf("read bulk banner: %w", err)
	}

	client := &ipisp.BulkClient{Conn: conn}
	answers, err := client.LookupIPs(ips...)
	io.WriteString(conn, "end\r\n")
	return answers, err
}

// skipLine consumes the banner byte by byte so no answer data is buffered
// away from the BulkClient's own scanner.
func skipLine(r io.Reader) error {
	var b [1]byte
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		if b[0] == '\n' {
			return nil
		}
	}
}

// prefixOf converts an answer into the queried address and its prefix.
func prefixOf(r ipisp.Response) (netip.Addr, netip.Prefix, bool) {
	a, ok := netip.AddrFromSlice(r.IP)
	if !ok || r.Range == nil {
		return netip.Addr{}, netip.Prefix{}, false
	}
	a = a.Unmap()

	base, ok := netip.AddrFromSlice(r.Range.IP)
	if !ok {
		return netip.Addr{}, netip.Prefix{}, false
	}
	base = base.Unmap()
	bits, _ := r.Range.Mask.Size()

	// ipisp fills an "NA" prefix in as addr/32, which is wrong for IPv6
	if a.Is6() && bits == 32 {
		return netip.Addr{}, netip.Prefix{}, false
	}
	p, err := base.Prefix(bits)
	if err != nil {
		return netip.Addr{}, netip.Prefix{}, false
	}
	return a, p, true
}

// isTransport reports connection-level failures, as opposed to a rejected
// answer line.
func isTransport(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded)
}

var errTruncated = errors.New("connection closed before every line was answered")

func errOrTruncated(err error) error {
	if err == nil {
		return errTruncated
	}
	return err
}
