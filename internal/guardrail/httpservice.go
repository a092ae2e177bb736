package guardrail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/user/chatflow/internal/types"
)

// HTTPService is a Service backed by a remote guardrail endpoint. In
// observe-only mode detected outcomes are reported with ActionApplied
// cleared so the pipeline tracks them without enforcing.
type HTTPService struct {
	endpoint    string
	apiKey      string
	observeOnly bool
	httpClient  *http.Client
}

// NewHTTPService creates a Service calling the given guardrail endpoint.
func NewHTTPService(endpoint, apiKey string, observeOnly bool) *HTTPService {
	return &HTTPService{
		endpoint:    endpoint,
		apiKey:      apiKey,
		observeOnly: observeOnly,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type inputCheckRequest struct {
	Messages []inputCheckMessage `json:"messages"`
}

type inputCheckMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type inputCheckResponse struct {
	HasContext bool   `json:"has_context"`
	SystemNote string `json:"system_note"`
}

type outputCheckRequest struct {
	Text string `json:"text"`
}

type outputCheckResponse struct {
	Outcome      string   `json:"outcome"`
	Violations   []string `json:"violations"`
	ModifiedText string   `json:"modified_text"`
}

// ExtractGuardrailContext asks the remote service whether the conversation
// history carries relevant policy context for the next turn.
func (s *HTTPService) ExtractGuardrailContext(ctx context.Context, history []*types.Message) (InputContext, error) {
	reqBody := inputCheckRequest{Messages: make([]inputCheckMessage, 0, len(history))}
	for _, msg := range history {
		reqBody.Messages = append(reqBody.Messages, inputCheckMessage{
			Role: msg.Role,
			Text: msg.Text,
		})
	}

	var result inputCheckResponse
	if err := s.post(ctx, "/v1/check/input", reqBody, &result); err != nil {
		return InputContext{}, err
	}
	return InputContext{
		HasGuardrailContext: result.HasContext,
		SystemNote:          result.SystemNote,
	}, nil
}

// HandleOutputModeration asks the remote service to classify response text.
func (s *HTTPService) HandleOutputModeration(ctx context.Context, text string) (Outcome, error) {
	var result outputCheckResponse
	if err := s.post(ctx, "/v1/check/output", outputCheckRequest{Text: text}, &result); err != nil {
		return Outcome{}, err
	}

	outcome := Outcome{
		Outcome:      OutcomeKind(result.Outcome),
		Violations:   result.Violations,
		ModifiedText: result.ModifiedText,
	}
	switch outcome.Outcome {
	case OutcomeAnonymized, OutcomeIntervened, OutcomeBlocked:
		outcome.ActionApplied = !s.observeOnly
	case OutcomePassed:
	default:
		return Outcome{}, fmt.Errorf("unknown guardrail outcome %q", result.Outcome)
	}
	return outcome, nil
}

func (s *HTTPService) post(ctx context.Context, path string, reqBody, result any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("guardrail error (status %d): %s", resp.StatusCode, string(respBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}
