package transport

import (
	"net/http"
	"testing"
	"time"

	"github.com/codexgw/gateway/internal/proxyconfig"
)

func TestTransportKeyDistinguishesEgressPaths(t *testing.T) {
	direct := transportKey(nil)
	socks := transportKey(&proxyconfig.Config{Type: "socks5", Host: "proxy.example", Port: 1080})
	httpProxy := transportKey(&proxyconfig.Config{Type: "http", Host: "proxy.example", Port: 8080})
	sameSocks := transportKey(&proxyconfig.Config{Type: "socks5", Host: "proxy.example", Port: 1080})

	if direct != "direct" {
		t.Fatalf("expected direct key %q, got %q", "direct", direct)
	}
	if socks == httpProxy {
		t.Fatalf("expected different proxy types to produce different keys, both got %q", socks)
	}
	if socks != sameSocks {
		t.Fatalf("expected identical proxy configs to share a key: %q != %q", socks, sameSocks)
	}
}

func TestGetRoundTripperReusesEntryForSameKey(t *testing.T) {
	m := NewManager(time.Second)
	cfg := &proxyconfig.Config{Type: "socks5", Host: "proxy.example", Port: 1080}

	first := m.getRoundTripper(cfg)
	second := m.getRoundTripper(cfg)

	if first != second {
		t.Fatalf("expected the same RoundTripper to be reused for an unchanged proxy config")
	}
	if len(m.entries) != 1 {
		t.Fatalf("expected exactly one pooled entry, got %d", len(m.entries))
	}
}

func TestGetRoundTripperSeparatesDirectAndProxied(t *testing.T) {
	m := NewManager(time.Second)

	direct := m.getRoundTripper(nil)
	proxied := m.getRoundTripper(&proxyconfig.Config{Type: "http", Host: "proxy.example", Port: 8080})

	if direct == proxied {
		t.Fatalf("expected direct and proxied egress to use distinct RoundTrippers")
	}
}

func TestCleanupEvictsOnlyStaleEntries(t *testing.T) {
	m := NewManager(time.Second)

	fresh := &poolEntry{roundTripper: http.DefaultTransport, lastUsed: time.Now()}
	stale := &poolEntry{roundTripper: http.DefaultTransport, lastUsed: time.Now().Add(-10 * time.Minute)}

	m.mu.Lock()
	m.entries["fresh"] = fresh
	m.entries["stale"] = stale
	m.mu.Unlock()

	m.cleanup(5 * time.Minute)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries["stale"]; ok {
		t.Fatalf("expected stale entry to be evicted")
	}
	if _, ok := m.entries["fresh"]; !ok {
		t.Fatalf("expected fresh entry to survive cleanup")
	}
}

func TestBuildRoundTripperPicksProxyBranch(t *testing.T) {
	direct := buildRoundTripper(nil)
	if _, ok := direct.(*http.Transport); ok {
		t.Fatalf("expected direct egress to use an http2.Transport, not *http.Transport")
	}

	proxied := buildRoundTripper(&proxyconfig.Config{Type: "socks5", Host: "proxy.example", Port: 1080})
	if _, ok := proxied.(*http.Transport); !ok {
		t.Fatalf("expected proxied egress to use *http.Transport with a custom DialTLSContext")
	}
}

func TestServerNameStripsPort(t *testing.T) {
	if got := serverName("chatgpt.com:443"); got != "chatgpt.com" {
		t.Fatalf("expected host without port, got %q", got)
	}
	if got := serverName("chatgpt.com"); got != "chatgpt.com" {
		t.Fatalf("expected unchanged host when no port present, got %q", got)
	}
}
