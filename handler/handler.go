// Package handler adapts API Gateway proxy events to the gateway's use cases.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"qchat-gateway/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// RequestVerifier checks the platform signature of an inbound webhook.
type RequestVerifier interface {
	VerifyRequest(ctx context.Context, timestamp, signature, body string) (bool, error)
}

type errorResponse struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// headerValue looks a header up case-insensitively; API Gateway does not
// normalise header names.
func headerValue(headers map[string]string, key string) string {
	if v, ok := headers[key]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func correlationID(req events.APIGatewayProxyRequest) string {
	if id := strings.TrimSpace(headerValue(req.Headers, correlationHeader)); id != "" {
		return id
	}
	return uuid.NewString()
}

func requestBody(req events.APIGatewayProxyRequest) (string, error) {
	if !req.IsBase64Encoded {
		return req.Body, nil
	}
	raw, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func textResponse(status int, corrID, body string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "text/plain",
			correlationHeader: corrID,
		},
		Body: body,
	}
}

func jsonResponse(status int, corrID string, v any) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(v)
	if err != nil {
		return textResponse(http.StatusInternalServerError, corrID, "Internal server error")
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(raw),
	}
}

// verified reports whether req carries a valid platform signature. Failures to
// check the signature count as invalid.
func verified(ctx context.Context, v RequestVerifier, req events.APIGatewayProxyRequest, body string, log *slog.Logger) bool {
	ok, err := v.VerifyRequest(ctx,
		headerValue(req.Headers, "X-Slack-Request-Timestamp"),
		headerValue(req.Headers, "X-Slack-Signature"),
		body)
	if err != nil {
		log.Error("verify signature failed", "stage", "signature", "error", err)
		return false
	}
	return ok
}

// logUseCaseError logs err with its taxonomy code and reason.
func logUseCaseError(log *slog.Logger, stage string, err error) {
	var ue *usecase.Error
	if errors.As(err, &ue) {
		log.Error("request failed", "stage", stage, "code", ue.Code, "reason", ue.Reason, "error", ue.Err)
		return
	}
	log.Error("request failed", "stage", stage, "code", usecase.ErrorInternal, "error", err)
}
