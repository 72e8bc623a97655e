package slchat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FetchCache holds results of REST lookups. It is transient: WipeEvery
// clears it on a fixed interval. The realtime roster lives in Cache and is
// never touched by the wipe.
type FetchCache struct {
	mu      sync.Mutex
	entries map[string]json.RawMessage
}

// NewFetchCache returns an empty fetch cache.
func NewFetchCache() *FetchCache {
	return &FetchCache{entries: make(map[string]json.RawMessage)}
}

// Get returns the cached body for path.
func (f *FetchCache) Get(path string) (json.RawMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.entries[path]
	return v, ok
}

// Put stores body under path.
func (f *FetchCache) Put(path string, body json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[path] = body
}

// Wipe clears every entry.
func (f *FetchCache) Wipe() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.entries)
}

// Len returns the number of entries.
func (f *FetchCache) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// WipeEvery clears the cache every interval until ctx is done.
func (f *FetchCache) WipeEvery(ctx context.Context, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := f.Len()
			f.Wipe()
			logger.Debug().Int("entries", n).Msg("fetch cache wiped")
		}
	}
}

// API is the REST client used for cold cache misses. It authenticates with
// the same session cookies as the realtime connections.
type API struct {
	base   string
	cookie string
	client *http.Client
	cache  *FetchCache
}

// NewAPI returns a REST client for host. A nil client uses a 10s timeout.
func NewAPI(host, botID, token string, client *http.Client) *API {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &API{
		base:   strings.TrimRight(baseURL(host), "/"),
		cookie: sessionCookie(botID, token),
		client: client,
		cache:  NewFetchCache(),
	}
}

// Cache returns the transient cache backing GetServer.
func (a *API) Cache() *FetchCache {
	return a.cache
}

// GetUser fetches a user record.
func (a *API) GetUser(ctx context.Context, id string) (User, error) {
	var u User
	body, err := a.get(ctx, "/api/user/"+url.PathEscape(id)+"/")
	if err != nil {
		return u, err
	}
	if err := json.Unmarshal(body, &u); err != nil {
		return u, &ProtocolError{Event: "user", Err: err}
	}
	return u, nil
}

// GetServer fetches a server record, serving repeats from the fetch cache.
func (a *API) GetServer(ctx context.Context, id string) (Chat, error) {
	var chat Chat
	path := "/api/server/" + url.PathEscape(id) + "/"

	body, ok := a.cache.Get(path)
	if !ok {
		var err error
		if body, err = a.get(ctx, path); err != nil {
			return chat, err
		}
		a.cache.Put(path, body)
	}
	if err := json.Unmarshal(body, &chat); err != nil {
		return chat, &ProtocolError{Event: "server", Err: err}
	}
	if chat.Kind == "" {
		chat.Kind = ChatServer
	}
	return chat, nil
}

// Change updates a profile setting of the bot account.
func (a *API) Change(ctx context.Context, key, value string) error {
	form := url.Values{"key": {key}, "value": {value}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/api/change", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	_, err = a.do(req)
	return err
}

func (a *API) get(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return a.do(req)
}

func (a *API) do(req *http.Request) (json.RawMessage, error) {
	req.Header.Set("Cookie", a.cookie)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("slchat: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("slchat: read %s: %w", req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Method: req.Method, URL: req.URL.Path, Status: resp.StatusCode}
	}
	return body, nil
}
