package signalhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/voxline/voxline/internal/record"
)

// Client is a record.Store talking to a remote store server. Every store
// semantic, including the conditional-write errors, round-trips the HTTP
// layer unchanged: the call engine runs against a Client exactly as it runs
// against a local store.
type Client struct {
	base   *url.URL
	apiKey string
	http   *http.Client
	log    zerolog.Logger
}

// NewClient validates the base URL and returns a client.
func NewClient(baseURL, apiKey string, log zerolog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing store URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("store URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("store URL %q has no host", baseURL)
	}
	return &Client{
		base:   u,
		apiKey: apiKey,
		http:   &http.Client{Timeout: 30 * time.Second},
		log:    log,
	}, nil
}

func (c *Client) Create(ctx context.Context, rec record.CallRecord) error {
	return c.do(ctx, http.MethodPost, "/v1/calls", rec, nil, http.StatusCreated)
}

func (c *Client) Get(ctx context.Context, id record.CallID) (record.CallRecord, error) {
	var rec record.CallRecord
	err := c.do(ctx, http.MethodGet, "/v1/calls/"+url.PathEscape(string(id)), nil, &rec, http.StatusOK)
	return rec, err
}

func (c *Client) SetAnswer(ctx context.Context, id record.CallID, answer record.Description) error {
	return c.putDescription(ctx, id, "answer", answer)
}

func (c *Client) SetRestartOffer(ctx context.Context, id record.CallID, offer record.Description) error {
	return c.putDescription(ctx, id, "restart-offer", offer)
}

func (c *Client) SetRestartAnswer(ctx context.Context, id record.CallID, answer record.Description) error {
	return c.putDescription(ctx, id, "restart-answer", answer)
}

func (c *Client) putDescription(ctx context.Context, id record.CallID, field string, d record.Description) error {
	path := "/v1/calls/" + url.PathEscape(string(id)) + "/" + field
	return c.do(ctx, http.MethodPut, path, descriptionRequest{Description: d}, nil, http.StatusNoContent)
}

func (c *Client) AppendCandidate(ctx context.Context, id record.CallID, role record.Role, cand record.Candidate) error {
	path := "/v1/calls/" + url.PathEscape(string(id)) + "/candidates"
	return c.do(ctx, http.MethodPost, path, candidateRequest{Role: role, Candidate: cand}, nil, http.StatusNoContent)
}

func (c *Client) MarkActive(ctx context.Context, id record.CallID) error {
	path := "/v1/calls/" + url.PathEscape(string(id)) + "/active"
	return c.do(ctx, http.MethodPut, path, nil, nil, http.StatusNoContent)
}

func (c *Client) MarkEnded(ctx context.Context, id record.CallID, by record.PartyID, reason record.EndReason) error {
	path := "/v1/calls/" + url.PathEscape(string(id)) + "/end"
	return c.do(ctx, http.MethodPut, path, endRequest{By: by, Reason: reason}, nil, http.StatusNoContent)
}

func (c *Client) Poll(ctx context.Context, party record.PartyID, sinceVersion uint64) ([]record.CallRecord, error) {
	q := url.Values{}
	q.Set("party", string(party))
	q.Set("since", strconv.FormatUint(sinceVersion, 10))
	var recs []record.CallRecord
	err := c.do(ctx, http.MethodGet, "/v1/changes?"+q.Encode(), nil, &recs, http.StatusOK)
	return recs, err
}

// ICEServers fetches the STUN/TURN list the server is provisioned with,
// ready to construct peer connections from.
func (c *Client) ICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	var resp iceServersResponse
	if err := c.do(ctx, http.MethodGet, "/v1/ice", nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	out := make([]webrtc.ICEServer, 0, len(resp.ICEServers))
	for _, srv := range resp.ICEServers {
		ice := webrtc.ICEServer{URLs: srv.URLs, Username: srv.Username}
		if srv.Credential != "" {
			ice.Credential = srv.Credential
		}
		out = append(out, ice)
	}
	return out, nil
}

// Subscribe opens the websocket push stream. The returned channel closes when
// the stream ends for any reason; callers fall back to Poll.
func (c *Client) Subscribe(ctx context.Context, party record.PartyID) (<-chan record.ChangeEvent, func(), error) {
	wsURL := *c.base
	switch wsURL.Scheme {
	case "http":
		wsURL.Scheme = "ws"
	case "https":
		wsURL.Scheme = "wss"
	}
	wsURL.Path = wsURL.Path + "/v1/subscribe"
	q := url.Values{}
	q.Set("party", string(party))
	wsURL.RawQuery = q.Encode()

	header := http.Header{}
	if c.apiKey != "" {
		header.Set(apiKeyHeader, c.apiKey)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil {
			return nil, nil, fmt.Errorf("subscribe handshake: %w (status %d)", err, resp.StatusCode)
		}
		return nil, nil, fmt.Errorf("subscribe handshake: %w", err)
	}

	out := make(chan record.ChangeEvent, 64)
	var once sync.Once
	cancel := func() {
		once.Do(func() { _ = conn.Close() })
	}

	go func() {
		defer close(out)
		defer cancel()
		for {
			var ev record.ChangeEvent
			if err := conn.ReadJSON(&ev); err != nil {
				if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.log.Debug().Err(err).Str("party", string(party)).Msg("subscribe stream ended")
				}
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return out, cancel, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, wantStatus int) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return statusError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding %s %s response: %w", method, path, err)
		}
	}
	return nil
}

// statusError maps the server's status codes back onto the store sentinel
// errors so errors.Is works across the wire.
func statusError(resp *http.Response) error {
	var body errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return record.ErrNotFound
	case http.StatusConflict:
		return record.ErrCallExists
	case http.StatusPreconditionFailed:
		return record.ErrWriteRejected
	default:
		if body.Error != "" {
			return fmt.Errorf("store server: %s (status %d)", body.Error, resp.StatusCode)
		}
		return fmt.Errorf("store server: unexpected status %d", resp.StatusCode)
	}
}
