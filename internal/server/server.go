// Package server exposes the verb registry and resource projections as
// JSON-RPC 2.0 over HTTP POST.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/agentmail/agentmail/internal/archive"
	"github.com/agentmail/agentmail/internal/config"
	"github.com/agentmail/agentmail/internal/digest"
	"github.com/agentmail/agentmail/internal/mail"
	"github.com/agentmail/agentmail/internal/registry"
	"github.com/agentmail/agentmail/internal/reserve"
	"github.com/agentmail/agentmail/internal/storage"
	"github.com/agentmail/agentmail/internal/types"
)

const maxRequestBytes = 8 << 20

// Server ties the engines to the wire.
type Server struct {
	store    storage.Store
	arch     *archive.Archive
	mailer   *mail.Engine
	reserver *reserve.Engine
	reg      *registry.Registry
	refiner  *digest.Refiner // nil unless LLM refinement is enabled
	settings config.Settings

	version   string
	startedAt time.Time
}

// New builds the server and registers every verb.
func New(store storage.Store, arch *archive.Archive, mailer *mail.Engine, reserver *reserve.Engine, settings config.Settings, version string) *Server {
	s := &Server{
		store:     store,
		arch:      arch,
		mailer:    mailer,
		reserver:  reserver,
		reg:       registry.New(),
		settings:  settings,
		version:   version,
		startedAt: time.Now().UTC(),
	}
	if settings.LLMRefinerEnabled {
		refiner, err := digest.NewRefiner(settings.AnthropicModel)
		if err != nil {
			slog.Warn("llm refiner disabled", "error", err)
		} else {
			s.refiner = refiner
		}
	}
	s.registerTools()
	return s
}

// Registry exposes the verb table, for the metrics worker.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Handler returns the HTTP handler rooted at the configured path, accepted
// with or without the trailing slash.
func (s *Server) Handler() http.Handler {
	path := strings.TrimSuffix(s.settings.HTTPPath, "/")
	if path == "" {
		path = "/mcp"
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+path, s.handleRPC)
	mux.HandleFunc("POST "+path+"/{$}", s.handleRPC)
	return mux
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		s.writeResponse(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: -32700, Message: "parse error: " + err.Error()},
		})
		return
	}

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}

	switch req.Method {
	case "tools/call":
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			resp.Error = &rpcError{Code: -32602, Message: "invalid params: " + err.Error()}
			break
		}
		if err := s.checkRole(r, params.Name); err != nil {
			resp.Error = s.toRPCError(err)
			break
		}
		result, err := s.reg.Call(r.Context(), params.Name, params.Arguments)
		if err != nil {
			resp.Error = s.toRPCError(err)
			break
		}
		wrapped, err := wrapToolResult(result)
		if err != nil {
			resp.Error = s.toRPCError(err)
			break
		}
		resp.Result = wrapped

	case "tools/list":
		resp.Result = map[string]any{"tools": s.reg.Directory()}

	case "resources/read":
		var params struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			resp.Error = &rpcError{Code: -32602, Message: "invalid params: " + err.Error()}
			break
		}
		payload, err := s.readResource(r.Context(), params.URI)
		if err != nil {
			resp.Error = s.toRPCError(err)
			break
		}
		text, err := json.Marshal(payload)
		if err != nil {
			resp.Error = s.toRPCError(err)
			break
		}
		resp.Result = map[string]any{
			"contents": []map[string]any{{
				"uri":      params.URI,
				"mimeType": "application/json",
				"text":     string(text),
			}},
		}

	default:
		resp.Error = &rpcError{Code: -32601, Message: "method not found: " + req.Method}
	}

	s.writeResponse(w, resp)
}

// checkRole rejects writer verbs for transports that declared themselves
// read-only. The default role is writer.
func (s *Server) checkRole(r *http.Request, verb string) error {
	role := strings.ToLower(r.Header.Get("X-AgentMail-Role"))
	if role != "reader" {
		return nil
	}
	writer, known := s.reg.IsWriter(verb)
	if known && writer {
		return types.E(types.KindValidation, "verb %s requires the writer role", verb)
	}
	return nil
}

// wrapToolResult applies the MCP convention: the structured result plus a
// single text content block with the same JSON.
func wrapToolResult(result any) (any, error) {
	text, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"content":           []map[string]any{{"type": "text", "text": string(text)}},
		"structuredContent": result,
	}, nil
}

// toRPCError maps a classified error to its stable wire code. INTERNAL
// errors are logged with the correlation id; the cause never crosses the
// wire.
func (s *Server) toRPCError(err error) *rpcError {
	e := types.AsError(err)
	out := &rpcError{Code: e.Kind.Code(), Message: e.Message}
	if e.Kind == types.KindInternal {
		slog.Error("internal error", "correlation_id", e.CorrelationID, "error", e.Err)
		out.Data = map[string]string{"correlation_id": e.CorrelationID}
	}
	return out
}

// writeResponse serializes exactly once and writes the body in one shot, so
// Content-Length always matches.
func (s *Server) writeResponse(w http.ResponseWriter, resp rpcResponse) {
	body, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(body); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}
