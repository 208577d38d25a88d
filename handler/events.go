package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/aws/aws-lambda-go/events"

	"qchat-gateway/internal/integrations/slack"
	"qchat-gateway/internal/usecase"
)

type MessageUseCase interface {
	HandleMessage(ctx context.Context, in usecase.MessageInput) error
}

type eventEnvelope struct {
	Type      string        `json:"type"`
	Challenge string        `json:"challenge"`
	TeamID    string        `json:"team_id"`
	Event     *messageEvent `json:"event"`
}

type messageEvent struct {
	Type        string       `json:"type"`
	ClientMsgID string       `json:"client_msg_id"`
	Channel     string       `json:"channel"`
	User        string       `json:"user"`
	Text        string       `json:"text"`
	EventTS     string       `json:"event_ts"`
	ThreadTS    string       `json:"thread_ts"`
	Files       []slack.File `json:"files"`
}

// EventsHandler receives chat event callbacks.
type EventsHandler struct {
	chat     MessageUseCase
	verifier RequestVerifier
	logger   *slog.Logger
}

func NewEventsHandler(chat MessageUseCase, verifier RequestVerifier, logger *slog.Logger) (*EventsHandler, error) {
	if chat == nil {
		return nil, errors.New("handler: message use case must not be nil")
	}
	if verifier == nil {
		return nil, errors.New("handler: request verifier must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventsHandler{chat: chat, verifier: verifier, logger: logger}, nil
}

func (h *EventsHandler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(req)
	log := h.logger.With("correlation_id", corrID)

	body, err := requestBody(req)
	if err != nil || body == "" {
		return jsonResponse(http.StatusBadRequest, corrID, errorResponse{Error: "Bad request"}), nil
	}
	if !verified(ctx, h.verifier, req, body, log) {
		log.Warn("invalid signature", "stage", "events")
		return jsonResponse(http.StatusForbidden, corrID, errorResponse{Error: "Forbidden"}), nil
	}

	var env eventEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return jsonResponse(http.StatusBadRequest, corrID, errorResponse{Error: "Bad request"}), nil
	}
	if env.Challenge != "" {
		return textResponse(http.StatusOK, corrID, env.Challenge), nil
	}
	if reason := headerValue(req.Headers, "X-Slack-Retry-Reason"); reason != "" {
		log.Debug("ignoring retry", "stage", "events", "retry_reason", reason, "retry_num", headerValue(req.Headers, "X-Slack-Retry-Num"))
		return jsonResponse(http.StatusOK, corrID, errorResponse{Error: "Ignoring retry event"}), nil
	}

	ev := env.Event
	if ev == nil || (ev.Type != "message" && ev.Type != "app_mention") || ev.ClientMsgID == "" {
		return jsonResponse(http.StatusOK, corrID, errorResponse{Error: "Unsupported event type"}), nil
	}
	if ev.Channel == "" || ev.Text == "" {
		return jsonResponse(http.StatusOK, corrID, errorResponse{Error: "No channel or text to respond to"}), nil
	}

	err = h.chat.HandleMessage(ctx, usecase.MessageInput{
		EventType: ev.Type,
		TeamID:    env.TeamID,
		Channel:   ev.Channel,
		User:      ev.User,
		Text:      ev.Text,
		EventTS:   ev.EventTS,
		ThreadTS:  ev.ThreadTS,
		Files:     ev.Files,
	})
	if err != nil {
		// the user already sees the failure in the chat; a non-2xx would only trigger a retry
		logUseCaseError(log.With("owner_id", ev.User), "events", err)
	}
	return textResponse(http.StatusOK, corrID, "OK"), nil
}
