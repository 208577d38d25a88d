package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/aws/aws-lambda-go/events"

	"qchat-gateway/internal/usecase"
)

const callbackSuccess = "Authentication successful. You can close this window and return to Slack."

type SessionFinisher interface {
	FinishSession(ctx context.Context, code, state string) error
}

// CallbackHandler completes the OAuth redirect of a sign-in.
type CallbackHandler struct {
	sessions SessionFinisher
	logger   *slog.Logger
}

func NewCallbackHandler(sessions SessionFinisher, logger *slog.Logger) (*CallbackHandler, error) {
	if sessions == nil {
		return nil, errors.New("handler: session finisher must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackHandler{sessions: sessions, logger: logger}, nil
}

func (h *CallbackHandler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(req)
	log := h.logger.With("correlation_id", corrID)

	code := req.QueryStringParameters["code"]
	state := req.QueryStringParameters["state"]
	if code == "" || state == "" {
		log.Warn("callback without code or state", "stage", "callback")
		return jsonResponse(http.StatusBadRequest, corrID, errorResponse{Message: "Invalid request"}), nil
	}

	if err := h.sessions.FinishSession(ctx, code, state); err != nil {
		logUseCaseError(log, "callback", err)
		switch usecase.CodeOf(err) {
		case usecase.ErrorInvalidState, usecase.ErrorInvalidInput:
			return jsonResponse(http.StatusBadRequest, corrID, errorResponse{Message: "Invalid request"}), nil
		}
		return textResponse(http.StatusInternalServerError, corrID, "Internal server error"), nil
	}

	log.Info("sign-in completed", "stage", "callback")
	return textResponse(http.StatusOK, corrID, callbackSuccess), nil
}
