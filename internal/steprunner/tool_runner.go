package steprunner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/n8n-work/engine-go/internal/models"
	"github.com/n8n-work/engine-go/internal/resilience"
	"github.com/n8n-work/engine-go/internal/store"
)

// ToolRunner performs an HTTP-style streaming call through the tool
// gateway: POST {gateway}/mcp/{connectionId}/stream/{toolName}, response
// body a newline-delimited stream of JSON values. Uses resty for the
// client instead of hand-rolling one over net/http.
type ToolRunner struct {
	client      *resty.Client
	store       store.Store
	breakers    *resilience.CircuitBreakerManager
	gatewayURL  string
	authToken   string
	logger      *zap.Logger
}

// NewToolRunner builds a ToolRunner pointed at one gateway base URL.
func NewToolRunner(gatewayURL, authToken string, st store.Store, breakers *resilience.CircuitBreakerManager, logger *zap.Logger) *ToolRunner {
	client := resty.New().SetTimeout(0) // streaming responses manage their own lifetime via ctx
	return &ToolRunner{
		client:     client,
		store:      st,
		breakers:   breakers,
		gatewayURL: gatewayURL,
		authToken:  authToken,
		logger:     logger.With(zap.String("component", "tool_runner")),
	}
}

func (r *ToolRunner) Run(ctx context.Context, req *Request) (*Outcome, error) {
	action := req.Step.Tool
	if action == nil {
		return &Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("steprunner: tool step %q missing tool config", req.StepName), Retryable: false}, nil
	}

	breakerName := resilience.ConnectionBreakerName(action.ConnectionID, action.ToolName)
	breaker := r.breakers.GetOrCreate(breakerName, resilience.CircuitBreakerConfig{Name: breakerName})

	result, err := breaker.ExecuteWithContext(ctx, func(ctx context.Context) (interface{}, error) {
		return r.stream(ctx, req, action)
	})
	if err != nil {
		retryable := isRetryableTransportErr(err)
		return &Outcome{Kind: OutcomeFailed, Err: err, Retryable: retryable}, nil
	}

	return &Outcome{Kind: OutcomeCompleted, Output: result}, nil
}

func (r *ToolRunner) stream(ctx context.Context, req *Request, action *models.ToolAction) (interface{}, error) {
	body, err := json.Marshal(req.Input)
	if err != nil {
		return nil, fmt.Errorf("steprunner: encode tool input: %w", err)
	}

	url := fmt.Sprintf("%s/mcp/%s/stream/%s", r.gatewayURL, action.ConnectionID, action.ToolName)
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", "Bearer "+r.authToken).
		SetDoNotParseResponse(true).
		SetBody(body).
		Post(url)
	if err != nil {
		return nil, &transportError{err: err}
	}
	raw := resp.RawBody()
	defer raw.Close()

	if resp.StatusCode() >= 400 {
		text, _ := bufio.NewReader(raw).ReadString(0)
		return nil, &gatewayError{status: resp.StatusCode(), body: text}
	}

	var chunks []json.RawMessage
	scanner := bufio.NewScanner(raw)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	idx := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		chunks = append(chunks, cp)

		if r.store != nil {
			if err := r.store.AppendStreamChunk(ctx, &models.StepStreamChunk{
				ExecutionID: req.ExecutionID, StepID: req.StepName, ChunkIndex: idx, Data: cp,
			}); err != nil {
				r.logger.Warn("failed to persist stream chunk", zap.Error(err))
			}
		}
		idx++
	}
	if err := scanner.Err(); err != nil {
		return nil, &transportError{err: err}
	}

	return coalesce(chunks)
}

// coalesce turns the NDJSON stream into the step's output value: a single
// chunk becomes that value directly, multiple chunks become an array.
func coalesce(chunks []json.RawMessage) (interface{}, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	if len(chunks) == 1 {
		var v interface{}
		if err := json.Unmarshal(chunks[0], &v); err != nil {
			return nil, fmt.Errorf("steprunner: decode tool chunk: %w", err)
		}
		return v, nil
	}
	out := make([]interface{}, len(chunks))
	for i, c := range chunks {
		var v interface{}
		if err := json.Unmarshal(c, &v); err != nil {
			return nil, fmt.Errorf("steprunner: decode tool chunk %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

type transportError struct{ err error }

func (e *transportError) Error() string { return "steprunner: transport error: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

type gatewayError struct {
	status int
	body   string
}

func (e *gatewayError) Error() string {
	return fmt.Sprintf("steprunner: tool gateway returned %d: %s", e.status, e.body)
}

// isRetryableTransportErr classifies a gateway client error (4xx, other
// than 429) as non-retryable per the engine's failure classification;
// every other failure reaching this path — transport errors, 5xx, and an
// open circuit breaker — is retryable.
func isRetryableTransportErr(err error) bool {
	if ge, ok := err.(*gatewayError); ok {
		return ge.status >= 500 || ge.status == http.StatusTooManyRequests
	}
	return true
}
