package mcpmux

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/pml-systems/pml-gateway/internal/telemetry"
	"github.com/pml-systems/pml-gateway/internal/toolerr"
)

const defaultProtocolVersion = "2024-11-05"

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method,omitempty"` // set on server-originated requests (sampling)
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *toolerr.RPCError `json:"error,omitempty"`
}

type pendingCall struct {
	resp rpcResponse
	err  error
}

// stdioConn is one child-process tool server reached over a newline-delimited
// JSON stdio pipe. It correlates concurrent requests by id and forwards
// server-originated sampling/createMessage requests to an installed handler.
type stdioConn struct {
	id   string
	cmd  *exec.Cmd
	w    *bufio.Writer
	tele telemetry.Bundle

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan pendingCall
	nextID    uint64

	sampling SamplingHandler

	state atomic.Value // State

	closed    chan struct{}
	closeOnce sync.Once
	closeErrMu sync.Mutex
	closeErr  error
}

// dialStdio spawns the child process and performs the initialize handshake.
func dialStdio(ctx context.Context, cfg ServerConfig, tele telemetry.Bundle, sampling SamplingHandler) (*stdioConn, error) {
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, connErr(cfg.ID, "", "create stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, connErr(cfg.ID, "", "create stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, connErr(cfg.ID, "", "create stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, connErr(cfg.ID, "", "start tool server", err)
	}

	c := &stdioConn{
		id:       cfg.ID,
		cmd:      cmd,
		w:        bufio.NewWriter(stdin),
		tele:     tele,
		pending:  make(map[uint64]chan pendingCall),
		sampling: sampling,
		closed:   make(chan struct{}),
	}
	c.setState(StateConnecting)

	go c.drainStderr(stderr)
	go c.readLoop(stdout)

	initCtx := ctx
	if cfg.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, cfg.InitTimeout)
		defer cancel()
	}
	if err := c.initialize(initCtx, cfg); err != nil {
		_ = c.Close()
		return nil, err
	}
	c.setState(StateReady)
	return c, nil
}

func (c *stdioConn) setState(s State) { c.state.Store(s) }

func (c *stdioConn) State() State {
	if v, ok := c.state.Load().(State); ok {
		return v
	}
	return StateDisconnected
}

func (c *stdioConn) drainStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		c.tele.Logger.Warn(context.Background(), "tool server stderr",
			"server_id", c.id, "line", sc.Text())
	}
}

func (c *stdioConn) initialize(ctx context.Context, cfg ServerConfig) error {
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
	var result json.RawMessage
	return c.call(ctx, "initialize", params, &result)
}

// CallTool issues tools/call and waits for the matching response.
func (c *stdioConn) CallTool(ctx context.Context, req CallRequest) (CallResponse, error) {
	params := map[string]any{
		"name":      req.Tool,
		"arguments": req.Payload,
	}
	var result json.RawMessage
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		return CallResponse{}, err
	}
	return CallResponse{Result: result}, nil
}

func (c *stdioConn) next() uint64 {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.nextID++
	return c.nextID
}

func (c *stdioConn) call(ctx context.Context, method string, params any, out *json.RawMessage) error {
	id := c.next()
	ch := make(chan pendingCall, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.writeMessage(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		c.removePending(id)
		return connErr(c.id, method, "write request", err)
	}

	select {
	case pc := <-ch:
		if pc.err != nil {
			return pc.err
		}
		if pc.resp.Error != nil {
			return connErr(c.id, method, "tool server returned an error", pc.resp.Error)
		}
		if out != nil {
			*out = pc.resp.Result
		}
		return nil
	case <-ctx.Done():
		c.removePending(id)
		return connErr(c.id, method, "call cancelled", ctx.Err())
	case <-c.closed:
		return connErr(c.id, method, "connection closed", toolerr.ErrConnectionClosed)
	}
}

// connErr builds a ToolError tagged with the server/tool identity, wrapping
// cause into the ToolError chain.
func connErr(serverID, toolName, message string, cause error) *toolerr.ToolError {
	te := toolerr.NewWithCause(message, cause)
	te.ServerID = serverID
	te.ToolName = toolName
	return te
}

func (c *stdioConn) removePending(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *stdioConn) writeMessage(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := c.w.Write(b); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}

// readLoop decodes one newline-delimited JSON frame per line and dispatches
// it: responses are matched to pending calls by id, server-originated
// requests (sampling/createMessage) are relayed to the installed handler.
func (c *stdioConn) readLoop(stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			c.tele.Logger.Warn(context.Background(), "malformed frame from tool server",
				"server_id", c.id, "error", err.Error())
			continue
		}
		if resp.Method == "sampling/createMessage" {
			c.handleSampling(resp)
			continue
		}
		if resp.ID == 0 {
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- pendingCall{resp: resp}
			close(ch)
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	c.failPending(connErr(c.id, "", "tool server connection lost", err))
}

func (c *stdioConn) handleSampling(resp rpcResponse) {
	if c.sampling == nil {
		_ = c.writeMessage(rpcResponse{
			JSONRPC: "2.0", ID: resp.ID,
			Error: toolerr.NewRPCError(toolerr.CodeMethodNotFound, "no sampling handler installed", nil),
		})
		return
	}
	req := SamplingRequest{ServerID: c.id, Params: resp.Params}
	respond := func(result json.RawMessage, rpcErr error) error {
		out := rpcResponse{JSONRPC: "2.0", ID: resp.ID}
		if rpcErr != nil {
			out.Error = toolerr.NewRPCError(toolerr.CodeInternalError, rpcErr.Error(), nil)
		} else {
			out.Result = result
		}
		return c.writeMessage(out)
	}
	go c.sampling(context.Background(), req, respond)
}

func (c *stdioConn) failPending(err error) {
	c.setCloseError(err)
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		ch <- pendingCall{err: err}
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	_ = c.Close()
}

func (c *stdioConn) setCloseError(err error) {
	c.closeErrMu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.closeErrMu.Unlock()
}

func (c *stdioConn) Close() error {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.closed)
		if c.cmd != nil && c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
			_ = c.cmd.Wait()
		}
	})
	return nil
}

var _ Caller = (*stdioConn)(nil)
