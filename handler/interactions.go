package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/aws/aws-lambda-go/events"
	slackapi "github.com/slack-go/slack"

	"qchat-gateway/internal/integrations/slack"
	"qchat-gateway/internal/usecase"
)

type ActionUseCase interface {
	HandleAction(ctx context.Context, a usecase.Action) error
}

// InteractionsHandler receives block action callbacks.
type InteractionsHandler struct {
	actions  ActionUseCase
	verifier RequestVerifier
	logger   *slog.Logger
}

func NewInteractionsHandler(actions ActionUseCase, verifier RequestVerifier, logger *slog.Logger) (*InteractionsHandler, error) {
	if actions == nil {
		return nil, errors.New("handler: action use case must not be nil")
	}
	if verifier == nil {
		return nil, errors.New("handler: request verifier must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InteractionsHandler{actions: actions, verifier: verifier, logger: logger}, nil
}

func (h *InteractionsHandler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(req)
	log := h.logger.With("correlation_id", corrID)

	body, err := requestBody(req)
	if err != nil || body == "" {
		return textResponse(http.StatusBadRequest, corrID, "Bad request"), nil
	}
	if !verified(ctx, h.verifier, req, body, log) {
		log.Warn("invalid signature", "stage", "interactions")
		return textResponse(http.StatusForbidden, corrID, "Forbidden"), nil
	}

	form, err := url.ParseQuery(body)
	if err != nil {
		return textResponse(http.StatusBadRequest, corrID, "Invalid input"), nil
	}
	if !form.Has("payload") {
		return textResponse(http.StatusOK, corrID, "No payload. Nothing to do"), nil
	}
	var p slackapi.InteractionCallback
	if err := json.Unmarshal([]byte(form.Get("payload")), &p); err != nil {
		return textResponse(http.StatusBadRequest, corrID, "Invalid input"), nil
	}
	if p.Type != slackapi.InteractionTypeBlockActions {
		return textResponse(http.StatusOK, corrID, "Not a block action payload. Nothing to do"), nil
	}
	if p.Channel.ID == "" || p.Message.Timestamp == "" {
		log.Warn("block action without message or channel", "stage", "interactions")
		return textResponse(http.StatusOK, corrID, "Missing message and channel id for block action. Ignoring."), nil
	}

	ref := slack.MessageRef{Channel: p.Channel.ID, TS: p.Message.Timestamp}
	for _, a := range p.ActionCallback.BlockActions {
		err := h.actions.HandleAction(ctx, usecase.Action{
			ActionID:  a.ActionID,
			Value:     a.Value,
			User:      p.User.ID,
			TriggerID: p.TriggerID,
			Message:   ref,
		})
		if err != nil {
			logUseCaseError(log.With("owner_id", p.User.ID, "action_id", a.ActionID), "interactions", err)
		}
	}
	return textResponse(http.StatusOK, corrID, "Handled block action interactions!"), nil
}
