package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"course-tutor/internal/domain"
	"course-tutor/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

const (
	statusError     = "ERROR"
	statusWarmingUp = "WARMING_UP"
	syncTypeConfig  = "config"
)

type ChatUseCase interface {
	Ready() error
	Chat(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
}

type SyncUseCase interface {
	Profiles(ctx context.Context) json.RawMessage
	Config(ctx context.Context) json.RawMessage
	SaveConfig(ctx context.Context, data json.RawMessage) error
	SaveProfile(ctx context.Context, profile json.RawMessage) error
}

type Handler struct {
	chat   ChatUseCase
	sync   SyncUseCase
	logger *slog.Logger
}

type chatRequest struct {
	Messages       []domain.RawMessage    `json:"messages"`
	CurrentProfile *domain.StudentProfile `json:"currentProfile,omitempty"`
}

type chatResponse struct {
	Text   string `json:"text"`
	Cached bool   `json:"cached"`
}

type syncRequest struct {
	Type    string          `json:"type,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Profile json.RawMessage `json:"profile,omitempty"`
}

type syncResponse struct {
	Success bool `json:"success"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Status string `json:"status"`
}

func NewHandler(chat ChatUseCase, sync SyncUseCase, logger *slog.Logger) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat use case must not be nil")
	}
	if sync == nil {
		return nil, errors.New("handler: sync use case must not be nil")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{chat: chat, sync: sync, logger: logger}, nil
}

// Handle routes an API Gateway proxy event to the chat or sync endpoint.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(event.Headers)
	logger := h.logger.With("correlation_id", corrID, "method", event.HTTPMethod, "path", event.Path)

	var resp events.APIGatewayProxyResponse
	switch route(event.Path) {
	case "chat":
		resp = h.handleChat(ctx, logger, event)
	case "sync":
		resp = h.handleSync(ctx, logger, event)
	default:
		resp = jsonResponse(http.StatusNotFound, errorResponse{Error: "Not Found", Status: statusError})
	}

	resp.Headers[correlationHeader] = corrID
	logger.Info("request handled", "status", resp.StatusCode)
	return resp, nil
}

func (h *Handler) handleChat(ctx context.Context, logger *slog.Logger, event events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	if event.HTTPMethod != http.MethodPost {
		return methodNotAllowed()
	}
	if err := h.chat.Ready(); err != nil {
		return errorToResponse(logger, err, false)
	}

	var req chatRequest
	if err := decodeBody(event, &req); err != nil {
		logger.Warn("invalid chat body", "err", err)
		return jsonResponse(http.StatusBadRequest, errorResponse{Error: "invalid JSON body", Status: statusError})
	}

	out, err := h.chat.Chat(ctx, usecase.ChatInput{Messages: req.Messages, Student: req.CurrentProfile})
	if err != nil {
		return errorToResponse(logger, err, false)
	}
	return jsonResponse(http.StatusOK, chatResponse{Text: out.Text, Cached: out.Cached})
}

func (h *Handler) handleSync(ctx context.Context, logger *slog.Logger, event events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	switch event.HTTPMethod {
	case http.MethodGet:
		// Anything but an explicit config request is served the profile list.
		if event.QueryStringParameters["type"] == syncTypeConfig {
			return rawJSONResponse(http.StatusOK, h.sync.Config(ctx))
		}
		return rawJSONResponse(http.StatusOK, h.sync.Profiles(ctx))

	case http.MethodPost:
		var req syncRequest
		if err := decodeBody(event, &req); err != nil {
			logger.Warn("invalid sync body", "err", err)
			return jsonResponse(http.StatusBadRequest, errorResponse{Error: "invalid JSON body", Status: statusError})
		}
		var err error
		if req.Type == syncTypeConfig {
			err = h.sync.SaveConfig(ctx, req.Data)
		} else {
			err = h.sync.SaveProfile(ctx, req.Profile)
		}
		if err != nil {
			return errorToResponse(logger, err, true)
		}
		return jsonResponse(http.StatusOK, syncResponse{Success: true})

	default:
		return methodNotAllowed()
	}
}

// errorToResponse maps a usecase error to its HTTP shape. Sync errors expose
// the upper-cased reason, chat errors the underlying message.
func errorToResponse(logger *slog.Logger, err error, reasonAsError bool) events.APIGatewayProxyResponse {
	var usecaseErr *usecase.Error
	if !errors.As(err, &usecaseErr) {
		logger.Error("unexpected error", "err", err)
		return jsonResponse(http.StatusInternalServerError, errorResponse{Error: "internal error", Status: statusError})
	}

	status, bodyStatus := statusFor(usecaseErr.Code)
	msg := usecaseErr.Message()
	if reasonAsError {
		msg = strings.ToUpper(usecaseErr.Reason)
	}

	attrs := []any{"code", usecaseErr.Code, "reason", usecaseErr.Reason, "err", usecaseErr.Err}
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", attrs...)
	case usecaseErr.Code == usecase.ErrorTimeout:
		logger.Warn("request deadline reached", attrs...)
	default:
		logger.Info("request rejected", attrs...)
	}
	return jsonResponse(status, errorResponse{Error: msg, Status: bodyStatus})
}

func statusFor(code usecase.ErrorCode) (int, string) {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, statusError
	case usecase.ErrorTimeout:
		return http.StatusOK, statusWarmingUp
	default:
		return http.StatusInternalServerError, statusError
	}
}

func route(path string) string {
	p := strings.TrimRight(path, "/")
	switch {
	case strings.HasSuffix(p, "/chat"):
		return "chat"
	case strings.HasSuffix(p, "/sync"):
		return "sync"
	default:
		return ""
	}
}

func decodeBody(event events.APIGatewayProxyRequest, v any) error {
	body := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			return err
		}
		body = decoded
	}
	return json.Unmarshal(body, v)
}

func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return uuid.NewString()
}

func methodNotAllowed() events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusMethodNotAllowed, errorResponse{Error: "Method Not Allowed", Status: statusError})
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"internal error","status":"ERROR"}`)
	}
	return rawJSONResponse(status, body)
}

func rawJSONResponse(status int, body []byte) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}
