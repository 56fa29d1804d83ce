package terminal

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"arbterm/internal/schema"
	"arbterm/internal/venue"
	"arbterm/pkg/exception"
)

const (
	cmdSendTransaction = "sendTransaction"
	cmdSubscribeL2     = "Subscribe_Level_II_Quotes"
	cmdUnsubscribeL2   = "Unsubscribe_Level_II_Quotes"
)

// Config locates the terminal. When the URLs are set the websocket bridge is
// used instead of the raw sockets.
type Config struct {
	Host           string        `yaml:"host"`
	RequestsPort   int           `yaml:"requests_port"`
	CallbacksPort  int           `yaml:"callbacks_port"`
	RequestsURL    string        `yaml:"requests_url"`
	CallbacksURL   string        `yaml:"callbacks_url"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Backoff        Backoff       `yaml:"backoff"`
}

// DefaultConfig points at a terminal script on the local host.
func DefaultConfig() Config {
	return Config{
		Host:           "127.0.0.1",
		RequestsPort:   34130,
		CallbacksPort:  34131,
		DialTimeout:    3 * time.Second,
		RequestTimeout: 5 * time.Second,
		Backoff:        DefaultBackoff(),
	}
}

type request struct {
	Data any    `json:"data"`
	ID   int64  `json:"id"`
	Cmd  string `json:"cmd"`
	T    string `json:"t"`
}

type response struct {
	Data     any    `json:"data"`
	ID       int64  `json:"id"`
	Cmd      string `json:"cmd"`
	LuaError string `json:"lua_error"`
}

type push struct {
	Cmd  string `json:"cmd"`
	Data any    `json:"data"`
}

// codec keeps numbers as json.Number so order numbers survive untouched.
var codec = sonic.Config{UseNumber: true}.Froze()

// Client is a venue.Session over the terminal's request and callback
// streams. Requests are serialized; callbacks are read on the goroutine
// that calls Run.
type Client struct {
	cfg    Config
	nextID atomic.Int64

	reqMu sync.Mutex
	req   lineStream

	subMu sync.Mutex
	subs  map[schema.Instrument]struct{}
}

var _ venue.Session = (*Client)(nil)

// New creates a client. Connections are opened lazily.
func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.RequestsPort == 0 {
		cfg.RequestsPort = def.RequestsPort
	}
	if cfg.CallbacksPort == 0 {
		cfg.CallbacksPort = def.CallbacksPort
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = def.Backoff
	}
	return &Client{cfg: cfg, subs: make(map[schema.Instrument]struct{})}
}

// SendTransaction submits tr and waits for the terminal's envelope.
func (c *Client) SendTransaction(ctx context.Context, tr venue.Transaction) (venue.Reply, error) {
	resp, err := c.request(ctx, cmdSendTransaction, tr)
	if err != nil {
		return venue.Reply{}, err
	}
	return replyOf(resp), nil
}

// SubscribeQuotes orders the level 2 book of ins. It is renewed after every
// reconnect of the callback stream.
func (c *Client) SubscribeQuotes(ctx context.Context, ins schema.Instrument) error {
	if err := c.subscribe(ctx, cmdSubscribeL2, ins); err != nil {
		return err
	}
	c.subMu.Lock()
	c.subs[ins] = struct{}{}
	c.subMu.Unlock()
	return nil
}

// UnsubscribeQuotes cancels the level 2 book of ins.
func (c *Client) UnsubscribeQuotes(ctx context.Context, ins schema.Instrument) error {
	c.subMu.Lock()
	delete(c.subs, ins)
	c.subMu.Unlock()
	return c.subscribe(ctx, cmdUnsubscribeL2, ins)
}

func (c *Client) subscribe(ctx context.Context, cmd string, ins schema.Instrument) error {
	resp, err := c.request(ctx, cmd, ins.ClassCode+"|"+ins.SecCode)
	if err != nil {
		return err
	}
	if resp.LuaError != "" {
		return errors.Wrap(exception.ErrInResponseError, resp.LuaError).With("cmd", cmd).With("instrument", ins.Key())
	}
	return nil
}

func (c *Client) request(ctx context.Context, cmd string, data any) (response, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if c.req == nil {
		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		stream, err := c.dial(dialCtx, c.cfg.RequestsURL, c.cfg.RequestsPort)
		cancel()
		if err != nil {
			return response{}, errors.Wrap(exception.ErrConnectionNotReady, err.Error())
		}
		c.req = stream
	}

	id := c.nextID.Add(1)
	payload, err := codec.Marshal(request{Data: data, ID: id, Cmd: cmd})
	if err != nil {
		return response{}, errors.Wrap(err, "marshal request")
	}

	deadline := time.Now().Add(c.cfg.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.req.SetDeadline(deadline); err != nil {
		c.dropRequestsLocked()
		return response{}, errors.Wrap(exception.ErrConnectionClose, err.Error())
	}
	if err := c.req.WriteLine(payload); err != nil {
		c.dropRequestsLocked()
		return response{}, errors.Wrap(exception.ErrConnectionClose, err.Error())
	}

	for {
		line, err := c.req.ReadLine()
		if err != nil {
			c.dropRequestsLocked()
			return response{}, errors.Wrap(exception.ErrConnectionClose, err.Error())
		}
		if len(line) == 0 {
			continue
		}
		var resp response
		if err := codec.Unmarshal(line, &resp); err != nil {
			logs.Warnf("terminal: skip malformed response, err: %+v", err)
			continue
		}
		if resp.ID != id {
			logs.Warnf("terminal: skip stale response id=%d, want %d", resp.ID, id)
			continue
		}
		return resp, nil
	}
}

func (c *Client) dropRequestsLocked() {
	if c.req != nil {
		_ = c.req.Close()
		c.req = nil
	}
}

func (c *Client) dropRequests() {
	c.reqMu.Lock()
	c.dropRequestsLocked()
	c.reqMu.Unlock()
}

func (c *Client) dial(ctx context.Context, url string, port int) (lineStream, error) {
	if url != "" {
		return dialWS(ctx, url)
	}
	return dialTCP(ctx, net.JoinHostPort(c.cfg.Host, strconv.Itoa(port)))
}

// Run reads the callback stream until ctx is done, reconnecting with backoff.
// After a reconnect the request stream is reopened and every quote
// subscription is renewed.
func (c *Client) Run(ctx context.Context, handle func(venue.Callback)) error {
	attempt := 0
	connected := false
	for {
		if ctx.Err() != nil {
			return nil
		}

		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		stream, err := c.dial(dialCtx, c.cfg.CallbacksURL, c.cfg.CallbacksPort)
		cancel()
		if err == nil {
			if connected {
				c.dropRequests()
				c.resubscribe(ctx)
			}
			logs.Infof("terminal: callback stream connected")
			connected = true
			attempt = 0
			err = c.consume(ctx, stream, handle)
		}
		if ctx.Err() != nil {
			return nil
		}

		attempt++
		wait := c.cfg.Backoff.Next(attempt)
		logs.Warnf("terminal: callback stream lost, retry in %s (attempt %d), err: %+v", wait, attempt, err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *Client) consume(ctx context.Context, stream lineStream, handle func(venue.Callback)) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = stream.Close()
		case <-stop:
		}
	}()
	defer stream.Close()

	for {
		line, err := stream.ReadLine()
		if err != nil {
			return err
		}
		if len(line) == 0 {
			continue
		}
		var p push
		if err := codec.Unmarshal(line, &p); err != nil {
			logs.Warnf("terminal: skip malformed callback, err: %+v", err)
			continue
		}
		data, ok := p.Data.(map[string]any)
		if !ok {
			data = map[string]any{"value": p.Data}
		}
		handle(venue.Callback{Cmd: p.Cmd, Data: data})
	}
}

func (c *Client) resubscribe(ctx context.Context) {
	c.subMu.Lock()
	list := make([]schema.Instrument, 0, len(c.subs))
	for ins := range c.subs {
		list = append(list, ins)
	}
	c.subMu.Unlock()

	for _, ins := range list {
		if err := c.subscribe(ctx, cmdSubscribeL2, ins); err != nil {
			logs.Errorf("terminal: resubscribe %s, err: %+v", ins, err)
			continue
		}
		logs.Infof("terminal: resubscribed %s", ins)
	}
}

// replyOf maps the envelope of sendTransaction. The terminal answers true on
// success and reports failures through lua_error or an error string.
func replyOf(resp response) venue.Reply {
	r := venue.Reply{Data: resp.Data}
	if resp.LuaError != "" {
		r.Result = -1
		r.Message = resp.LuaError
		return r
	}
	switch d := resp.Data.(type) {
	case string:
		if d != "" {
			r.Result = -1
			r.Message = d
		}
	case map[string]any:
		if v, ok := d["result"]; ok {
			r.Result = intOf(v)
		}
		if v, ok := d["message"].(string); ok {
			r.Message = v
		}
		if v, ok := d["order_num"]; ok {
			r.OrderNum = stringOf(v)
		}
	}
	return r
}

func intOf(v any) int {
	switch x := v.(type) {
	case float64:
		return int(x)
	case string:
		n, _ := strconv.Atoi(x)
		return n
	default:
		n, _ := strconv.Atoi(stringOf(v))
		return n
	}
}

func stringOf(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case interface{ String() string }:
		return x.String()
	default:
		return ""
	}
}
