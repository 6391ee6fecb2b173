package mcpmux

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/pml-systems/pml-gateway/internal/telemetry"
	"github.com/pml-systems/pml-gateway/internal/toolerr"
)

// httpConn is one remote tool server reached over HTTP: each call is a single
// POST whose response body is a chunked stream of newline-delimited JSON
// frames. The first frame addressed to the request's id is the reply; any
// earlier frames carrying a sampling/createMessage method are relayed to the
// installed handler before the reply arrives.
type httpConn struct {
	id       string
	endpoint string
	headers  map[string]string
	client   *http.Client
	tele     telemetry.Bundle
	sampling SamplingHandler

	nextID uint64
	state  atomic.Value

	mu     sync.Mutex
	closed bool
}

func dialHTTP(ctx context.Context, cfg ServerConfig, tele telemetry.Bundle, sampling SamplingHandler) (*httpConn, error) {
	client := &http.Client{Timeout: 0}
	if cfg.CallTimeout > 0 {
		client.Timeout = cfg.CallTimeout
	}
	c := &httpConn{
		id:       cfg.ID,
		endpoint: cfg.URL,
		headers:  cfg.Headers,
		client:   client,
		tele:     tele,
		sampling: sampling,
	}
	c.setState(StateConnecting)

	initCtx := ctx
	if cfg.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, cfg.InitTimeout)
		defer cancel()
	}

	version := cfg.ProtocolVersion
	if version == "" {
		version = defaultProtocolVersion
	}
	clientName := cfg.ClientName
	if clientName == "" {
		clientName = "pml-gateway"
	}
	clientVersion := cfg.ClientVersion
	if clientVersion == "" {
		clientVersion = "dev"
	}
	params := map[string]any{
		"protocolVersion": version,
		"clientInfo":      map[string]any{"name": clientName, "version": clientVersion},
		"capabilities":    map[string]any{},
	}
	if _, err := c.call(initCtx, "initialize", params); err != nil {
		return nil, err
	}
	c.setState(StateReady)
	return c, nil
}

func (c *httpConn) setState(s State) { c.state.Store(s) }

func (c *httpConn) State() State {
	if v, ok := c.state.Load().(State); ok {
		return v
	}
	return StateDisconnected
}

func (c *httpConn) CallTool(ctx context.Context, req CallRequest) (CallResponse, error) {
	params := map[string]any{
		"name":      req.Tool,
		"arguments": req.Payload,
	}
	result, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return CallResponse{}, err
	}
	return CallResponse{Result: result}, nil
}

func (c *httpConn) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := atomic.AddUint64(&c.nextID, 1)
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, connErr(c.id, method, "marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, connErr(c.id, method, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, connErr(c.id, method, "http request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, connErr(c.id, method, "unexpected http status", toolerr.ErrConnectionFailed)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame rpcResponse
		if err := json.Unmarshal(line, &frame); err != nil {
			c.tele.Logger.Warn(ctx, "malformed frame from tool server", "server_id", c.id, "error", err.Error())
			continue
		}
		if frame.Method == "sampling/createMessage" {
			c.handleSampling(ctx, frame)
			continue
		}
		if frame.ID != id {
			continue
		}
		if frame.Error != nil {
			return nil, connErr(c.id, method, "tool server returned an error", frame.Error)
		}
		return frame.Result, nil
	}
	if err := sc.Err(); err != nil {
		return nil, connErr(c.id, method, "stream read failed", err)
	}
	return nil, connErr(c.id, method, "stream closed before reply", toolerr.ErrConnectionClosed)
}

// handleSampling relays a server-originated sampling request embedded in the
// response stream. HTTP-stream servers expect the reply over their own
// follow-up channel, not this connection, so the respond func here only logs
// a handler failure; the handler is responsible for delivering its reply
// through whatever channel the server's protocol defines.
func (c *httpConn) handleSampling(ctx context.Context, frame rpcResponse) {
	if c.sampling == nil {
		return
	}
	req := SamplingRequest{ServerID: c.id, Params: frame.Params}
	respond := func(result json.RawMessage, rpcErr error) error {
		if rpcErr != nil {
			c.tele.Logger.Warn(ctx, "sampling handler failed", "server_id", c.id, "error", rpcErr.Error())
		}
		return nil
	}
	go c.sampling(ctx, req, respond)
}

func (c *httpConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.setState(StateClosed)
	c.client.CloseIdleConnections()
	return nil
}

var _ Caller = (*httpConn)(nil)
