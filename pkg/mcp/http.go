package mcp

import (
	"encoding/json"
	"io"
	"net/http"
)

// HTTPHandler adapts an endpoint to streamable HTTP: each POST body is one
// JSON-RPC request and the response body is the matching reply. Protocol
// errors still answer 200 with a JSON-RPC error object; only transport
// misuse gets an HTTP error status.
func HTTPHandler(s *Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxLineBytes))
		if err != nil {
			http.Error(w, "unreadable request body", http.StatusBadRequest)
			return
		}

		var req Request
		if err := json.Unmarshal(body, &req); err != nil {
			writeResponse(w, &Response{
				JSONRPC: jsonrpcVersion,
				Error:   &RPCError{Code: codeParseError, Message: "parse error: " + err.Error()},
			})
			return
		}

		resp := s.Handle(r.Context(), &req)
		if resp == nil {
			// Notification: acknowledged, nothing to say.
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeResponse(w, resp)
	})
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}
