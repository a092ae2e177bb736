// Package httpapi exposes the turn pipeline over HTTP: completions,
// aborts, agent listing, and per-conversation spend reporting.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/user/chatflow/internal/ledger"
	"github.com/user/chatflow/internal/orchestrator"
	"github.com/user/chatflow/internal/types"
	"github.com/user/chatflow/pkg/llm"
)

// Completer drives turns. Implemented by orchestrator.Client and
// orchestrator.Lanes.
type Completer interface {
	SendCompletion(ctx context.Context, payload types.CompletionPayload, opts orchestrator.SendOptions) (*orchestrator.Completion, error)
	Abort(id types.ConversationID) bool
}

// SpendReader reports a conversation's persisted spend grouped by billing
// context.
type SpendReader interface {
	ConversationSpend(ctx context.Context, id types.ConversationID) (map[string]ledger.Totals, error)
}

// Server is the HTTP handler for the completion API.
type Server struct {
	client Completer
	agents types.AgentRegistry
	spend  SpendReader
	mux    *http.ServeMux
}

// NewServer creates a Server. spend may be nil to disable the spend
// endpoint.
func NewServer(client Completer, agents types.AgentRegistry, spend SpendReader) *Server {
	s := &Server{
		client: client,
		agents: agents,
		spend:  spend,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /complete", s.handleComplete)
	s.mux.HandleFunc("POST /abort/", s.handleAbort)
	s.mux.HandleFunc("GET /agents", s.handleAgents)
	s.mux.HandleFunc("GET /spend/", s.handleSpend)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// completeResponse is the JSON body returned by POST /complete.
type completeResponse struct {
	MessageID types.MessageID         `json:"message_id,omitempty"`
	State     string                  `json:"state"`
	Parts     any                     `json:"parts"`
	Usage     ledger.Totals           `json:"usage"`
	Metadata  *types.ResponseMetadata `json:"metadata,omitempty"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var payload types.CompletionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if payload.ConversationID == "" || payload.UserID == "" || payload.AgentID == "" || payload.Text == "" {
		http.Error(w, `{"error":"conversation_id, user_id, agent_id, and text are required"}`, http.StatusBadRequest)
		return
	}

	var opts orchestrator.SendOptions
	var flusher http.Flusher
	if r.URL.Query().Get("stream") == "1" {
		flusher, _ = w.(http.Flusher)
	}
	if flusher != nil {
		// Progress parts stream as NDJSON lines, followed by the final
		// completion object. OnProgress fires serially from the run.
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		opts.Streaming = true
		opts.OnProgress = func(part llm.ContentPart) {
			enc.Encode(map[string]any{"part": part})
			flusher.Flush()
		}
	}

	completion, err := s.client.SendCompletion(r.Context(), payload, opts)
	switch {
	case errors.Is(err, orchestrator.ErrTurnInFlight):
		http.Error(w, `{"error":"a turn is already in flight for this conversation"}`, http.StatusConflict)
		return
	case err != nil:
		slog.Error("completion failed",
			"conversation_id", payload.ConversationID,
			"agent_id", payload.AgentID,
			"error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	if flusher == nil {
		w.Header().Set("Content-Type", "application/json")
	}
	json.NewEncoder(w).Encode(completeResponse{
		MessageID: completion.MessageID,
		State:     string(completion.State),
		Parts:     completion.Parts,
		Usage:     completion.Usage,
		Metadata:  completion.Metadata,
	})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/abort/")
	if id == "" {
		http.Error(w, `{"error":"conversation id required"}`, http.StatusBadRequest)
		return
	}
	if !s.client.Abort(types.ConversationID(id)) {
		http.Error(w, `{"error":"no turn in flight"}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "aborted"})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	type agentSummary struct {
		ID       types.AgentID   `json:"id"`
		Name     string          `json:"name"`
		Provider string          `json:"provider"`
		Model    string          `json:"model"`
		Edges    []types.AgentID `json:"edges,omitempty"`
	}
	var out []agentSummary
	for _, spec := range s.agents.List() {
		out = append(out, agentSummary{
			ID:       spec.ID,
			Name:     spec.Name,
			Provider: spec.Provider,
			Model:    spec.Model,
			Edges:    spec.Edges,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleSpend(w http.ResponseWriter, r *http.Request) {
	if s.spend == nil {
		http.Error(w, `{"error":"spend reporting disabled"}`, http.StatusNotFound)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/spend/")
	if id == "" {
		http.Error(w, `{"error":"conversation id required"}`, http.StatusBadRequest)
		return
	}
	sums, err := s.spend.ConversationSpend(r.Context(), types.ConversationID(id))
	if err != nil {
		slog.Error("spend lookup failed", "conversation_id", id, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sums)
}
