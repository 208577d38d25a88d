package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"
)

const resetCommandPrefix = "/new_conv"

type ConversationResetter interface {
	ResetConversation(ctx context.Context, team, channel string) error
}

// CommandHandler serves slash commands.
type CommandHandler struct {
	resetter ConversationResetter
	verifier RequestVerifier
	logger   *slog.Logger
}

func NewCommandHandler(resetter ConversationResetter, verifier RequestVerifier, logger *slog.Logger) (*CommandHandler, error) {
	if resetter == nil {
		return nil, errors.New("handler: conversation resetter must not be nil")
	}
	if verifier == nil {
		return nil, errors.New("handler: request verifier must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandHandler{resetter: resetter, verifier: verifier, logger: logger}, nil
}

func (h *CommandHandler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(req)
	log := h.logger.With("correlation_id", corrID)

	body, err := requestBody(req)
	if err != nil || body == "" {
		return jsonResponse(http.StatusBadRequest, corrID, errorResponse{Error: "Bad request"}), nil
	}
	if !verified(ctx, h.verifier, req, body, log) {
		log.Warn("invalid signature", "stage", "command")
		return jsonResponse(http.StatusForbidden, corrID, errorResponse{Error: "Forbidden"}), nil
	}

	form, err := url.ParseQuery(body)
	if err != nil {
		return jsonResponse(http.StatusBadRequest, corrID, errorResponse{Error: "Bad request"}), nil
	}
	command := form.Get("command")
	if !strings.HasPrefix(command, resetCommandPrefix) {
		log.Warn("unsupported command", "stage", "command", "command", command)
		return textResponse(http.StatusOK, corrID, command+" - Unsupported"), nil
	}

	if err := h.resetter.ResetConversation(ctx, form.Get("team_id"), form.Get("channel_id")); err != nil {
		logUseCaseError(log, "command", err)
		return textResponse(http.StatusOK, corrID, command+" - Failed"), nil
	}
	return textResponse(http.StatusOK, corrID, command+" - OK"), nil
}
