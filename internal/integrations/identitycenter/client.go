// Package identitycenter translates an identity provider ID token into
// temporary AWS credentials bound to the end user: a JWT-bearer exchange
// with IAM Identity Center followed by a role assumption that carries the
// user's identity context.
package identitycenter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/golang-jwt/jwt/v5"

	"qchat-gateway/internal/domain"
)

const (
	jwtBearerGrant       = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	identityContextClaim = "sts:identity_context"
	contextProviderArn   = "arn:aws:iam::aws:contextProvider/IdentityCenter"
	defaultSessionName   = "q-gateway-for-slack"
	defaultDuration      = int32(900)
)

// ErrInvalidIdentityContext is returned when the broker token is malformed
// or carries no identity context claim.
var ErrInvalidIdentityContext = errors.New("identitycenter: invalid identity context")

type ssoOIDCAPI interface {
	CreateTokenWithIAM(ctx context.Context, in *ssooidc.CreateTokenWithIAMInput, optFns ...func(*ssooidc.Options)) (*ssooidc.CreateTokenWithIAMOutput, error)
}

type stsAPI interface {
	AssumeRole(ctx context.Context, in *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// Client performs the broker token exchange and the scoped role assumption.
type Client struct {
	oidc        ssoOIDCAPI
	sts         stsAPI
	sessionName string
	duration    int32
}

type Option func(*Client)

// WithRoleSessionName overrides the role session name used for AssumeRole.
func WithRoleSessionName(name string) Option {
	return func(c *Client) {
		if name = strings.TrimSpace(name); name != "" {
			c.sessionName = name
		}
	}
}

// WithDurationSeconds overrides the requested credential lifetime.
func WithDurationSeconds(seconds int32) Option {
	return func(c *Client) {
		if seconds > 0 {
			c.duration = seconds
		}
	}
}

// New creates a Client over the SSO OIDC and STS APIs.
func New(oidcAPI ssoOIDCAPI, stsClient stsAPI, opts ...Option) (*Client, error) {
	if oidcAPI == nil {
		return nil, errors.New("identitycenter: sso oidc api must not be nil")
	}
	if stsClient == nil {
		return nil, errors.New("identitycenter: sts api must not be nil")
	}
	c := &Client{
		oidc:        oidcAPI,
		sts:         stsClient,
		sessionName: defaultSessionName,
		duration:    defaultDuration,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ExchangeIDTokenForBrokerToken trades an identity provider ID token for an
// Identity Center ID token using the JWT-bearer grant.
func (c *Client) ExchangeIDTokenForBrokerToken(ctx context.Context, brokerClientID, idToken, region string) (string, error) {
	if strings.TrimSpace(idToken) == "" {
		return "", errors.New("identitycenter: id token must not be empty")
	}
	out, err := c.oidc.CreateTokenWithIAM(ctx, &ssooidc.CreateTokenWithIAMInput{
		ClientId:  aws.String(brokerClientID),
		GrantType: aws.String(jwtBearerGrant),
		Assertion: aws.String(idToken),
	}, func(o *ssooidc.Options) {
		if region != "" {
			o.Region = region
		}
	})
	if err != nil {
		return "", fmt.Errorf("identitycenter: create token with iam: %w", err)
	}
	if out == nil || aws.ToString(out.IdToken) == "" {
		return "", errors.New("identitycenter: create token with iam returned no id token")
	}
	return aws.ToString(out.IdToken), nil
}

// IdentityContext returns the identity context claim of a broker token,
// verbatim. The token is decoded without signature verification: it was
// received directly from Identity Center and the claim is only forwarded to
// STS, which validates the assertion itself.
func IdentityContext(brokerToken string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(brokerToken, claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIdentityContext, err)
	}
	v, ok := claims[identityContextClaim].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: claim %q missing", ErrInvalidIdentityContext, identityContextClaim)
	}
	return v, nil
}

// IdentityContext extracts the identity context claim of a broker token
// issued to c.
func (c *Client) IdentityContext(brokerToken string) (string, error) {
	return IdentityContext(brokerToken)
}

// AssumeScopedRole assumes roleArn with the identity context as a provided
// context, so the resulting credentials act as the original end user.
func (c *Client) AssumeScopedRole(ctx context.Context, roleArn, identityContext, region string) (domain.Credentials, error) {
	if identityContext == "" {
		return domain.Credentials{}, fmt.Errorf("%w: empty assertion", ErrInvalidIdentityContext)
	}
	out, err := c.sts.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(roleArn),
		RoleSessionName: aws.String(c.sessionName),
		DurationSeconds: aws.Int32(c.duration),
		ProvidedContexts: []ststypes.ProvidedContext{{
			ProviderArn:      aws.String(contextProviderArn),
			ContextAssertion: aws.String(identityContext),
		}},
	}, func(o *sts.Options) {
		if region != "" {
			o.Region = region
		}
	})
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("identitycenter: assume role: %w", err)
	}
	if out == nil || out.Credentials == nil || out.Credentials.Expiration == nil {
		return domain.Credentials{}, errors.New("identitycenter: assume role returned no credentials")
	}
	creds := out.Credentials
	return domain.Credentials{
		AccessKeyID:     aws.ToString(creds.AccessKeyId),
		SecretAccessKey: aws.ToString(creds.SecretAccessKey),
		SessionToken:    aws.ToString(creds.SessionToken),
		Expiration:      aws.ToTime(creds.Expiration),
	}, nil
}
