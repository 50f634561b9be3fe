// Package remote talks to the torrent daemon that owns the payloads.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/trctl/trmv/pkg/errclass"
)

// SessionHeader carries the CSRF token of the Transmission RPC protocol.
const SessionHeader = "X-Transmission-Session-Id"

// Agent is the part of the daemon a relocation job may change.
type Agent interface {
	// SetLocation points the daemon at the new parent directory of the
	// payload without moving any data.
	SetLocation(ctx context.Context, hash, location string) error
	// StartVerify queues a hash check of the payload.
	StartVerify(ctx context.Context, hash string) error
}

// Torrent is the subset of torrent-get fields used by trmv.
type Torrent struct {
	HashString  string  `json:"hashString"`
	Name        string  `json:"name"`
	DownloadDir string  `json:"downloadDir"`
	TorrentFile string  `json:"torrentFile"`
	PercentDone float64 `json:"percentDone"`
}

// Client is a Transmission RPC client.
type Client struct {
	URL      string
	User     string
	Password string
	HTTP     *http.Client

	mu        sync.Mutex
	sessionID string
}

var _ Agent = (*Client)(nil)

// NewClient creates a client for the RPC endpoint at url.
func NewClient(url, user, password string) *Client {
	return &Client{
		URL:      url,
		User:     user,
		Password: password,
		HTTP:     &http.Client{},
	}
}

type rpcRequest struct {
	Method    string `json:"method"`
	Arguments any    `json:"arguments,omitempty"`
}

type rpcResponse struct {
	Result    string          `json:"result"`
	Arguments json.RawMessage `json:"arguments"`
}

// SetLocation issues torrent-set-location with move=false.
func (c *Client) SetLocation(ctx context.Context, hash, location string) error {
	args := map[string]any{
		"ids":      []string{hash},
		"location": location,
		"move":     false,
	}
	return c.Call(ctx, "torrent-set-location", args, nil)
}

// StartVerify issues torrent-verify.
func (c *Client) StartVerify(ctx context.Context, hash string) error {
	return c.Call(ctx, "torrent-verify", map[string]any{"ids": []string{hash}}, nil)
}

// Torrent looks up one torrent by hash.
func (c *Client) Torrent(ctx context.Context, hash string) (*Torrent, error) {
	args := map[string]any{
		"ids":    []string{hash},
		"fields": []string{"hashString", "name", "downloadDir", "torrentFile", "percentDone"},
	}
	var out struct {
		Torrents []Torrent `json:"torrents"`
	}
	if err := c.Call(ctx, "torrent-get", args, &out); err != nil {
		return nil, err
	}
	if len(out.Torrents) == 0 {
		return nil, errclass.ErrRemote.WithMessagef("torrent %s not found", hash)
	}
	return &out.Torrents[0], nil
}

// Call performs one RPC. A 409 answer carries a fresh session id; the
// request is then repeated once with it.
func (c *Client) Call(ctx context.Context, method string, args any, out any) error {
	body, err := json.Marshal(rpcRequest{Method: method, Arguments: args})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}

	var resp *http.Response
	for try := 0; try < 2; try++ {
		resp, err = c.post(ctx, body)
		if err != nil {
			return errclass.ErrRemote.WithMessagef("%s: %v", method, err)
		}
		if resp.StatusCode != http.StatusConflict {
			break
		}
		c.mu.Lock()
		c.sessionID = resp.Header.Get(SessionHeader)
		c.mu.Unlock()
		drain(resp)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return errclass.ErrRemote.WithMessagef("%s: unauthorized", method)
	default:
		return errclass.ErrRemote.WithMessagef("%s: HTTP %d", method, resp.StatusCode)
	}

	var r rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return errclass.ErrRemote.WithMessagef("%s: decode response: %v", method, err)
	}
	if r.Result != "success" {
		return errclass.ErrRemote.WithMessagef("%s: %s", method, r.Result)
	}
	if out != nil && len(r.Arguments) > 0 {
		if err := json.Unmarshal(r.Arguments, out); err != nil {
			return errclass.ErrRemote.WithMessagef("%s: decode arguments: %v", method, err)
		}
	}
	return nil
}

func (c *Client) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.mu.Lock()
	if c.sessionID != "" {
		req.Header.Set(SessionHeader, c.sessionID)
	}
	c.mu.Unlock()
	if c.User != "" || c.Password != "" {
		req.SetBasicAuth(c.User, c.Password)
	}
	return c.HTTP.Do(req)
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
