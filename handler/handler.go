package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"chat-orchestrator/internal/domain"
	"chat-orchestrator/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type Orchestrator interface {
	Handle(ctx context.Context, turn domain.ConversationTurn) (domain.Outcome, error)
}

type Handler struct {
	orchestrator Orchestrator
	logger       *slog.Logger
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHandler(o Orchestrator, opts ...Option) (*Handler, error) {
	if o == nil {
		return nil, errors.New("handler: orchestrator is nil")
	}
	h := &Handler{orchestrator: o, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type turnRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
	Sequence       int64  `json:"sequence"`
}

type turnResponse struct {
	Answer         string               `json:"answer"`
	ConversationID string               `json:"conversationId"`
	Sequence       int64                `json:"sequence"`
	Outcome        domain.OutcomeKind   `json:"outcome"`
	Sources        []domain.FragmentRef `json:"sources"`
	Degradations   []string             `json:"degradations,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Handle adapts an API Gateway proxy request to one orchestration turn.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", correlationID)

	var req turnRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		logger.Warn("invalid request body", "err", err)
		return errorJSON(correlationID, http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_body"), nil
	}

	turn := domain.ConversationTurn{
		ConversationID: strings.TrimSpace(req.ConversationID),
		Sequence:       req.Sequence,
		Message:        req.Message,
		Caller:         callerFrom(event.RequestContext),
	}
	if ms := event.RequestContext.RequestTimeEpoch; ms > 0 {
		turn.Timestamp = time.UnixMilli(ms).UTC()
	}

	out, err := h.orchestrator.Handle(ctx, turn)
	if err != nil {
		var uerr *usecase.Error
		if !errors.As(err, &uerr) {
			uerr = &usecase.Error{Code: usecase.ErrorInternal, Reason: "unexpected_error", Err: err}
		}
		status := statusFor(uerr.Code)
		if status >= http.StatusInternalServerError {
			logger.Error("turn failed", "code", uerr.Code, "reason", uerr.Reason, "err", uerr.Err)
		} else {
			logger.Info("turn rejected", "code", uerr.Code, "reason", uerr.Reason)
		}
		return errorJSON(correlationID, status, uerr.Code, uerr.Reason), nil
	}

	sources := out.Sources
	if sources == nil {
		sources = []domain.FragmentRef{}
	}
	logger.Info("turn answered",
		"conversation_id", out.ConversationID,
		"sequence", out.Sequence,
		"outcome", out.Kind,
	)
	return jsonResponse(correlationID, http.StatusOK, turnResponse{
		Answer:         out.Answer,
		ConversationID: out.ConversationID,
		Sequence:       out.Sequence,
		Outcome:        out.Kind,
		Sources:        sources,
		Degradations:   out.Degradations,
	}), nil
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput, usecase.ErrorInvalidQuestion:
		return http.StatusBadRequest
	case usecase.ErrorPermissionDenied:
		return http.StatusForbidden
	case usecase.ErrorGeneration:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// callerFrom reads the identity a Lambda authorizer attached to the request.
// Scopes may arrive as a space separated string or a list.
func callerFrom(rc events.APIGatewayProxyRequestContext) domain.Caller {
	var c domain.Caller
	if id, ok := rc.Authorizer["principalId"].(string); ok {
		c.ID = id
	}
	switch v := rc.Authorizer["scopes"].(type) {
	case string:
		c.Scopes = strings.Fields(v)
	case []any:
		for _, s := range v {
			if str, ok := s.(string); ok && str != "" {
				c.Scopes = append(c.Scopes, str)
			}
		}
	case []string:
		c.Scopes = append(c.Scopes, v...)
	}
	return c
}

func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func errorJSON(correlationID string, status int, code usecase.ErrorCode, reason string) events.APIGatewayProxyResponse {
	return jsonResponse(correlationID, status, errorResponse{Error: string(code), Reason: reason})
}

func jsonResponse(correlationID string, status int, body any) events.APIGatewayProxyResponse {
	b, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(b),
	}
}
