package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// RemoteEngine talks to the upstream completion/retrieval service over HTTP.
type RemoteEngine struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  zerolog.Logger
}

// NewRemoteEngine creates a client for the upstream service.
func NewRemoteEngine(baseURL, apiKey string, timeout time.Duration, logger zerolog.Logger) *RemoteEngine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "rag_engine").Logger(),
	}
}

// UpstreamError carries the upstream's failure back to the chat handler.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Body)
}

// IsQuotaError reports whether an error looks like an upstream quota or rate
// signal. The chat handler treats those as potential deliberate abuse.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	var ue *UpstreamError
	if errors.As(err, &ue) && (ue.Status == http.StatusTooManyRequests || ue.Status == http.StatusPaymentRequired) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "quota") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "resource_exhausted")
}

type chatRequest struct {
	Message string `json:"message"`
	History []Turn `json:"history,omitempty"`
}

// Chat sends the message and history upstream and decodes the answer.
func (e *RemoteEngine) Chat(ctx context.Context, history []Turn, message string) (*Answer, error) {
	payload, err := json.Marshal(chatRequest{Message: message, History: history})
	if err != nil {
		return nil, fmt.Errorf("marshaling chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling upstream: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var answer Answer
	if err := json.Unmarshal(body, &answer); err != nil {
		return nil, fmt.Errorf("decoding upstream answer: %w", err)
	}

	e.logger.Debug().
		Dur("duration", time.Since(start)).
		Int("history_turns", len(history)).
		Msg("upstream answered")

	return &answer, nil
}
