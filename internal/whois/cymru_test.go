package whois

import (
	"bufio"
	"context"
	"net"
	"net/netip"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ammario/ipisp/v2"
)

// bulkServer answers bulk sessions line by line with canned verbose rows.
type bulkServer struct {
	addr     string
	answers  map[string]string
	sessions atomic.Int32
}

func serveBulk(t *testing.T, answers map[string]string) *bulkServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	srv := &bulkServer{addr: ln.Addr().String(), answers: answers}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			srv.sessions.Add(1)
			go srv.handle(conn)
		}
	}()
	return srv
}

func (s *bulkServer) handle(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "begin":
			conn.Write([]byte("Bulk mode; whois.cymru.com [2020-11-13 10:24:05 +0000]\r\n"))
		case "verbose":
		case "end":
			return
		default:
			ans, ok := s.answers[line]
			if !ok {
				ans = "Error: no ASN or IP match on line 1."
			}
			conn.Write([]byte(ans + "\r\n"))
		}
	}
}

func TestLookupMany(t *testing.T) {
	srv := serveBulk(t, map[string]string{
		"203.0.113.7":  "64500   | 203.0.113.7      | 203.0.112.0/23      | RU | ripencc  | 2010-01-01 | EXAMPLE-AS, RU",
		"203.0.112.10": "64500   | 203.0.112.10     | 203.0.112.0/23      | RU | ripencc  | 2010-01-01 | EXAMPLE-AS, RU",
		"198.51.100.4": "64501   | 198.51.100.4     | 198.51.100.0/24     | NL | ripencc  | 2012-03-01 | OTHER-AS, NL",
	})

	client := NewClient(srv.addr, 2*time.Second)
	got, err := client.LookupMany(context.Background(), []string{"203.0.113.7", "203.0.112.10", "198.51.100.4"})
	if err != nil {
		t.Fatalf("LookupMany failed: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 prefixes, got %d: %v", len(got), got)
	}
	if got["203.0.113.7"].String() != "203.0.112.0/23" || got["203.0.112.10"] != got["203.0.113.7"] {
		t.Errorf("unexpected prefixes: %v", got)
	}
	if n := srv.sessions.Load(); n != 1 {
		t.Errorf("expected one bulk session, got %d", n)
	}
}

func TestLookupManyRejectedLines(t *testing.T) {
	srv := serveBulk(t, map[string]string{
		"203.0.113.7":  "64500   | 203.0.113.7      | 203.0.112.0/23      | RU | ripencc  | 2010-01-01 | EXAMPLE-AS, RU",
		"10.1.2.3":     "NA      | 10.1.2.3         | NA                  |    | other    |            | NA",
		"203.0.112.10": "64500   | 203.0.112.10     | 203.0.112.0/23      | RU | ripencc  | 2010-01-01 | EXAMPLE-AS, RU",
	})

	client := NewClient(srv.addr, 2*time.Second)
	got, err := client.LookupMany(context.Background(), []string{"203.0.113.7", "10.1.2.3", "192.0.2.1", "203.0.112.10"})
	if err != nil {
		t.Fatalf("rejected lines must not fail the batch: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 prefixes, got %d: %v", len(got), got)
	}
	if _, ok := got["10.1.2.3"]; ok {
		t.Error("unannounced address must be absent")
	}
	if got["203.0.112.10"].String() != "203.0.112.0/23" {
		t.Errorf("address after rejected lines lost: %v", got)
	}
	if n := srv.sessions.Load(); n != 3 {
		t.Errorf("expected a new session after each rejected line, got %d", n)
	}
}

func TestLookupManyKeepsInputSpelling(t *testing.T) {
	srv := serveBulk(t, map[string]string{
		"2001:db8::1": "64502   | 2001:db8::1      | 2001:db8::/48       | DE | ripencc  | 2015-05-05 | V6-AS, DE",
	})

	client := NewClient(srv.addr, 2*time.Second)
	got, err := client.LookupMany(context.Background(), []string{"2001:DB8::1", "2001:0db8:0:0::1", "not-an-ip"})
	if err != nil {
		t.Fatalf("LookupMany failed: %v", err)
	}

	for _, spelling := range []string{"2001:DB8::1", "2001:0db8:0:0::1"} {
		if got[spelling].String() != "2001:db8::/48" {
			t.Errorf("%s: expected 2001:db8::/48, got %v", spelling, got[spelling])
		}
	}
	if _, ok := got["not-an-ip"]; ok {
		t.Error("invalid input must be absent")
	}
}

func TestLookupManyTruncated(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	// Banner, one answer for two queries, then hang up
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		reader.ReadString('\n')
		reader.ReadString('\n')
		conn.Write([]byte("Bulk mode; whois.cymru.com [2020-11-13 10:24:05 +0000]\r\n"))
		reader.ReadString('\n')
		reader.ReadString('\n')
		conn.Write([]byte("64500   | 203.0.113.7      | 203.0.112.0/23      | RU | ripencc  | 2010-01-01 | EXAMPLE-AS, RU\r\n"))
	}()

	client := NewClient(ln.Addr().String(), 2*time.Second)
	got, err := client.LookupMany(context.Background(), []string{"203.0.113.7", "203.0.112.10"})
	if err == nil {
		t.Fatal("expected an error for a truncated answer")
	}
	if got["203.0.113.7"].String() != "203.0.112.0/23" {
		t.Errorf("expected answered lines to be kept, got %v", got)
	}
}

func TestLookupManyEmpty(t *testing.T) {
	client := NewClient("127.0.0.1:1", time.Second)
	got, err := client.LookupMany(context.Background(), nil)
	if err != nil {
		t.Fatalf("expected no dial for empty batch, got %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty result, got %v", got)
	}
}

func TestLookupManyDialFailure(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().String()
	ln.Close()

	client := NewClient(addr, time.Second)
	if _, err := client.LookupMany(context.Background(), []string{"192.0.2.1"}); err == nil {
		t.Error("expected dial error")
	}
}

func TestPrefixOf(t *testing.T) {
	_, v4, _ := net.ParseCIDR("203.0.112.0/23")
	_, v6host, _ := net.ParseCIDR("2001:db8::1/32")

	t.Run("IPv4", func(t *testing.T) {
		a, p, ok := prefixOf(ipisp.Response{IP: net.ParseIP("203.0.113.7"), Range: v4})
		if !ok || a != netip.MustParseAddr("203.0.113.7") || p != netip.MustParsePrefix("203.0.112.0/23") {
			t.Errorf("unexpected conversion: %v %v %v", a, p, ok)
		}
	})

	t.Run("IPv6PlaceholderRange", func(t *testing.T) {
		if _, _, ok := prefixOf(ipisp.Response{IP: net.ParseIP("2001:db8::1"), Range: v6host}); ok {
			t.Error("expected the /32 placeholder of an IPv6 address to be rejected")
		}
	})

	t.Run("NoRange", func(t *testing.T) {
		if _, _, ok := prefixOf(ipisp.Response{IP: net.ParseIP("192.0.2.1")}); ok {
			t.Error("expected a missing range to be rejected")
		}
	})
}
