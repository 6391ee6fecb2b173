package dispatcher

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/pml-systems/pml-gateway/internal/toolerr"
)

type wireRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type wireResponse struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id,omitempty"`
	Result  any               `json:"result,omitempty"`
	Error   *toolerr.RPCError `json:"error,omitempty"`
}

// ServeStdio reads newline-delimited JSON-RPC 2.0 requests from r and
// writes newline-delimited responses to w, one per request. Requests are
// dispatched concurrently — the same single write-serialisation discipline
// internal/mcpmux's child-server connections use guards the writer, since a
// long-running pml:execute call must not block tools/list or pml:abort
// arriving on the same connection. ServeStdio returns when r reaches EOF, or
// when the next line arrives after ctx is cancelled; a read blocked on r is
// not interrupted by ctx.
func ServeStdio(ctx context.Context, d *Dispatcher, r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var writeMu sync.Mutex
	bw := bufio.NewWriter(w)
	writeLine := func(resp wireResponse) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		line, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		if _, err := bw.Write(line); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
		return bw.Flush()
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := append([]byte(nil), sc.Bytes()...)
		if len(line) == 0 {
			continue
		}
		var req wireRequest
		if err := json.Unmarshal(line, &req); err != nil {
			_ = writeLine(wireResponse{JSONRPC: "2.0", Error: toolerr.NewRPCError(toolerr.CodeParseError, err.Error(), nil)})
			continue
		}

		wg.Add(1)
		go func(req wireRequest) {
			defer wg.Done()
			result, rpcErr := d.Dispatch(ctx, req.Method, req.Params)
			_ = writeLine(wireResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr})
		}(req)
	}
	return sc.Err()
}
