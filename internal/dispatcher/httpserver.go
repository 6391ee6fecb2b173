package dispatcher

import (
	"encoding/json"
	"net/http"

	"github.com/pml-systems/pml-gateway/internal/toolerr"
)

// HTTPHandler serves the JSON-RPC dispatch entry point over HTTP: a single
// POST of one request body, answered with a chunked stream of
// newline-delimited JSON frames per spec §6. The dispatcher itself only
// ever produces one frame per call today — task-level progress is carried
// over the event bus, not this response stream — so the "chunked" part of
// the contract is satisfied by flushing immediately rather than buffering
// the whole body, which matters once pml:execute starts emitting
// intermediate frames.
func HTTPHandler(d *Dispatcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req wireRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeFrame(w, wireResponse{JSONRPC: "2.0", Error: toolerr.NewRPCError(toolerr.CodeParseError, err.Error(), nil)})
			return
		}

		result, rpcErr := d.Dispatch(r.Context(), req.Method, req.Params)
		writeFrame(w, wireResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr})
	})
}

func writeFrame(w http.ResponseWriter, resp wireResponse) {
	w.Header().Set("Content-Type", "application/json")
	line, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(line)
	_, _ = w.Write([]byte("\n"))
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
