package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mirrorwell/streamnest/twitchapi"
)

// MockTwitchServer creates a test server that mocks Twitch Helix API responses
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// HelixClient returns a client whose hardcoded Helix URLs are rewritten to
// this mock server, with a pre-seeded app token so no OAuth call happens.
func (m *MockTwitchServer) HelixClient() *twitchapi.HelixClient {
	rewrite := &http.Client{Transport: &RewriteTransport{
		Transport: http.DefaultTransport,
		Host:      m.URL,
	}}
	ts := &twitchapi.AppTokenSource{ClientID: "test-client-id", ClientSecret: "test-secret", HTTPClient: rewrite}
	ts.SetToken("test-token", time.Now().Add(1*time.Hour))
	return &twitchapi.HelixClient{
		TokenSource: ts,
		ClientID:    "test-client-id",
		HTTPClient:  rewrite,
	}
}

// MockFollowedChannels adds a handler for the /helix/channels/followed endpoint.
func (m *MockTwitchServer) MockFollowedChannels(channels []map[string]string) {
	m.Handlers["/helix/channels/followed"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data":       channels,
			"pagination": map[string]string{},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockFollowedStreams adds a handler for the /helix/streams/followed endpoint.
func (m *MockTwitchServer) MockFollowedStreams(streams []map[string]interface{}) {
	m.Handlers["/helix/streams/followed"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data":       streams,
			"pagination": map[string]string{},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockUsers adds a handler for the /helix/users endpoint.
func (m *MockTwitchServer) MockUsers(users []map[string]string) {
	m.Handlers["/helix/users"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": users,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockVideos adds a handler for the /helix/videos endpoint.
func (m *MockTwitchServer) MockVideos(videos []map[string]string) {
	m.Handlers["/helix/videos"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": videos,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockVideosPerChannel serves different video lists keyed by user_id.
func (m *MockTwitchServer) MockVideosPerChannel(byChannel map[string][]map[string]string) {
	m.Handlers["/helix/videos"] = func(w http.ResponseWriter, r *http.Request) {
		videos := byChannel[r.URL.Query().Get("user_id")]
		if videos == nil {
			videos = []map[string]string{}
		}
		response := map[string]interface{}{
			"data": videos,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// RewriteTransport rewrites all requests to use the test server.
type RewriteTransport struct {
	Transport http.RoundTripper
	Host      string
}

func (t *RewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	if t.Host != "" {
		host := t.Host
		host = strings.TrimPrefix(host, "http://")
		host = strings.TrimPrefix(host, "https://")
		req.URL.Host = host
	}
	return t.Transport.RoundTrip(req)
}
