package slack

import (
	"context"
	"fmt"
	"net/http"

	slackapi "github.com/slack-go/slack"
)

// VerifyRequest checks a v0 request signature with the signing secret from
// the client's secret. Stale or malformed requests report false without error.
func (c *Client) VerifyRequest(ctx context.Context, timestamp, signature, body string) (bool, error) {
	secret, err := c.secrets.Field(ctx, c.secretName, fieldSigningSecret)
	if err != nil {
		return false, fmt.Errorf("slack: resolve signing secret: %w", err)
	}
	header := http.Header{}
	header.Set("X-Slack-Request-Timestamp", timestamp)
	header.Set("X-Slack-Signature", signature)

	sv, err := slackapi.NewSecretsVerifier(header, secret)
	if err != nil {
		return false, nil
	}
	if _, err := sv.Write([]byte(body)); err != nil {
		return false, nil
	}
	return sv.Ensure() == nil, nil
}
