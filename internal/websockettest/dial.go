// Package websockettest dials the encounter bridge from tests.
package websockettest

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// EncounterURL turns an http(s) test server URL into a ws(s) URL for path
// carrying rawQuery. A non-empty token is appended as auth_token.
func EncounterURL(serverURL, path, rawQuery, token string) string {
	target := "ws" + strings.TrimPrefix(serverURL, "http")
	if path == "" {
		path = "/"
	}
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		query = url.Values{}
	}
	if token != "" {
		query.Set("auth_token", token)
	}
	if encoded := query.Encode(); encoded != "" {
		return target + path + "?" + encoded
	}
	return target + path
}

// Dial opens an encounter socket with the default dialer.
func Dial(serverURL, rawQuery, token string) (*websocket.Conn, *http.Response, error) {
	return websocket.DefaultDialer.Dial(EncounterURL(serverURL, "/", rawQuery, token), nil)
}

// DialIgnoringPongs opens an encounter socket that never answers pings so
// tests can simulate an unresponsive peer.
func DialIgnoringPongs(serverURL, rawQuery string) (*websocket.Conn, *http.Response, error) {
	conn, resp, err := Dial(serverURL, rawQuery, "")
	if err != nil {
		return nil, resp, err
	}
	conn.SetPingHandler(func(string) error { return nil })
	conn.SetPongHandler(func(string) error { return nil })
	return conn, resp, nil
}
