package main

import "testing"

func TestListenerURLs(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		address string
		tls     bool
		http    string
		ws      string
	}{
		"default_port_only":    {address: ":43180", http: "http://localhost:43180", ws: "ws://localhost:43180/ws"},
		"explicit_ipv4_any":    {address: "0.0.0.0:9000", http: "http://localhost:9000", ws: "ws://localhost:9000/ws"},
		"explicit_ipv4_local":  {address: "127.0.0.1:43180", http: "http://127.0.0.1:43180", ws: "ws://127.0.0.1:43180/ws"},
		"explicit_ipv6_any":    {address: "[::]:43180", http: "http://localhost:43180", ws: "ws://localhost:43180/ws"},
		"explicit_ipv6_custom": {address: "[2001:db8::1]:43180", http: "http://[2001:db8::1]:43180", ws: "ws://[2001:db8::1]:43180/ws"},
		"tls_enabled":          {address: ":43180", tls: true, http: "https://localhost:43180", ws: "wss://localhost:43180/ws"},
	}

	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if got := listenerURL(tc.address, tc.tls); got != tc.http {
				t.Fatalf("listenerURL(%q, %t) = %q, want %q", tc.address, tc.tls, got, tc.http)
			}
			if got := websocketURL(tc.address, tc.tls); got != tc.ws {
				t.Fatalf("websocketURL(%q, %t) = %q, want %q", tc.address, tc.tls, got, tc.ws)
			}
		})
	}
}

func TestNormaliseHostPortNoPort(t *testing.T) {
	t.Parallel()

	if got := normaliseHostPort(""); got != "localhost" {
		t.Fatalf("expected localhost for empty address, got %q", got)
	}
}
