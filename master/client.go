package master

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/expsys/exprun/sched"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client talks to a master server.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	tlsClientConfig          *tls.Config
	waitInterval             time.Duration
	customizeRetryableClient func(*retryablehttp.Client)
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

// WithClientTLSConfig dials the server with the given TLS config.
func WithClientTLSConfig(cfg *tls.Config) ClientOption {
	return func(c *Client) {
		c.tlsClientConfig = cfg
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the master at baseURL, e.g.
// "http://127.0.0.1:8888".
func NewClient(log *zap.SugaredLogger, baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		Logger:       log.Named("master_client"),
		baseURL:      strings.TrimRight(baseURL, "/"),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	if c.tlsClientConfig != nil {
		retryClient.HTTPClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: c.tlsClientConfig},
		}
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: log}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c
}

func (c *Client) prepReq(r *http.Request) {
	r.Header.Add("Content-Type", "application/json")
	r.Close = true
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.prepReq(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return os.ErrNotExist
	}
	if resp.StatusCode != http.StatusOK {
		var msg string
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			msg = fmt.Errorf("error reading body: %w", err).Error()
		} else {
			msg = strings.TrimSpace(string(b))
		}
		return fmt.Errorf("unexpected HTTP status code %d: %s", resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", nil, &resp)
	return resp, err
}

// Submit queues a run and returns its RID.
func (c *Client) Submit(ctx context.Context, params map[string]any, timeout time.Duration) (string, error) {
	req := SubmitRequest{Params: params, TimeoutMS: timeout.Milliseconds()}
	var resp SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/queue", req, &resp); err != nil {
		return "", err
	}
	return resp.RID, nil
}

func (c *Client) Queue(ctx context.Context) ([]sched.QueueEntry, error) {
	var entries []sched.QueueEntry
	err := c.do(ctx, http.MethodGet, "/queue", nil, &entries)
	return entries, err
}

// Cancel cancels a run, returning os.ErrNotExist if the RID is unknown.
func (c *Client) Cancel(ctx context.Context, rid string) error {
	return c.do(ctx, http.MethodDelete, "/queue/"+rid, nil, nil)
}

// AddPeriodic schedules params to run every period and returns the PRID.
func (c *Client) AddPeriodic(ctx context.Context, params map[string]any, timeout, period time.Duration) (string, error) {
	req := AddPeriodicRequest{
		Params:    params,
		TimeoutMS: timeout.Milliseconds(),
		PeriodMS:  period.Milliseconds(),
	}
	var resp AddPeriodicResponse
	if err := c.do(ctx, http.MethodPost, "/periodic", req, &resp); err != nil {
		return "", err
	}
	return resp.PRID, nil
}

func (c *Client) Periodic(ctx context.Context) ([]sched.PeriodicEntry, error) {
	var entries []sched.PeriodicEntry
	err := c.do(ctx, http.MethodGet, "/periodic", nil, &entries)
	return entries, err
}

// RemovePeriodic removes a periodic entry, returning os.ErrNotExist if the
// PRID is unknown.
func (c *Client) RemovePeriodic(ctx context.Context, prid string) error {
	return c.do(ctx, http.MethodDelete, "/periodic/"+prid, nil, nil)
}

// History returns up to limit completed runs, most recent first. A limit of
// zero uses the server default.
func (c *Client) History(ctx context.Context, limit int) ([]sched.RunRecord, error) {
	path := "/history"
	if limit > 0 {
		path = fmt.Sprintf("/history?limit=%d", limit)
	}
	var recs []sched.RunRecord
	err := c.do(ctx, http.MethodGet, path, nil, &recs)
	return recs, err
}

// WaitForServer polls the server until it responds or ctx expires.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.Status(ctx)
			if err == nil {
				c.Logger.Debug("status succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got status error: %s", err)
		}
	}
}

// NotifyStream delivers schedule changes from the server.
type NotifyStream struct {
	// Snapshot is the schedule state when the stream opened.
	Snapshot ScheduleSnapshot

	// Events receives subsequent changes. It is closed when the stream
	// ends.
	Events <-chan sched.Event

	conn *websocket.Conn
}

// Close ends the stream.
func (st *NotifyStream) Close() error {
	return st.conn.Close(websocket.StatusNormalClosure, "")
}

// Notify opens a notify stream. Canceling ctx ends it.
func (c *Client) Notify(ctx context.Context) (*NotifyStream, error) {
	u := c.baseURL + "/notify"
	c.Logger.Debugw("dialing notify WebSocket", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dialing notify WebSocket: %w", err)
	}

	var first NotifyMessage
	if err := wsjson.Read(ctx, wsConn, &first); err != nil {
		wsConn.Close(websocket.StatusInternalError, "snapshot read failed")
		return nil, fmt.Errorf("reading notify snapshot: %w", err)
	}
	if first.Snapshot == nil {
		wsConn.Close(websocket.StatusProtocolError, "expected snapshot")
		return nil, fmt.Errorf("notify stream did not begin with a snapshot")
	}

	events := make(chan sched.Event, 16)
	st := &NotifyStream{Snapshot: *first.Snapshot, Events: events, conn: wsConn}
	go func() {
		defer close(events)
		for {
			var msg NotifyMessage
			if err := wsjson.Read(ctx, wsConn, &msg); err != nil {
				c.Logger.Debugf("notify stream ended: %s", err)
				return
			}
			if msg.Event == nil {
				continue
			}
			select {
			case events <- *msg.Event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return st, nil
}
