package usecase

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"qchat-gateway/internal/domain"
	"qchat-gateway/internal/integrations/oidc"
)

const (
	// stateTTL bounds how long an authorization request may stay pending.
	stateTTL = 5 * time.Minute
	// DefaultExpirySkew is subtracted from issued credential expirations.
	DefaultExpirySkew = 2 * time.Minute

	clientSecretField = "OIDCClientSecret"
)

type IdentityProvider interface {
	DiscoverEndpoints(ctx context.Context, issuerURL string) (oidc.Endpoints, error)
	ExchangeCode(ctx context.Context, ep oidc.Endpoints, code, clientID, clientSecret, redirectURL string) (oidc.Tokens, error)
	Refresh(ctx context.Context, ep oidc.Endpoints, refreshToken, clientID, clientSecret string) (oidc.Tokens, error)
}

type TokenExchanger interface {
	ExchangeIDTokenForBrokerToken(ctx context.Context, brokerClientID, idToken, region string) (string, error)
	IdentityContext(brokerToken string) (string, error)
	AssumeScopedRole(ctx context.Context, roleArn, identityContext, region string) (domain.Credentials, error)
}

type SessionStore interface {
	PutStateEntry(ctx context.Context, entry domain.OAuthState) error
	GetAndConsumeStateEntry(ctx context.Context, state string) (domain.OAuthState, error)
	PutSession(ctx context.Context, rec domain.SessionRecord) error
	GetSession(ctx context.Context, ownerID string) (domain.SessionRecord, error)
}

type Encryptor interface {
	Encrypt(ctx context.Context, plaintext []byte, keyID, encContext string) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte, keyID, encContext string) ([]byte, error)
}

type SecretResolver interface {
	Field(ctx context.Context, name, field string) (string, error)
}

// SessionConfig holds the identity settings of the Session Manager.
type SessionConfig struct {
	IdPName           string
	IssuerURL         string
	ClientID          string
	ClientSecretParam string
	RedirectURL       string
	KeyARN            string
	RoleARN           string
	BrokerClientID    string
	Region            string
	ExpirySkew        time.Duration
	// RetainRefreshToken keeps the previous refresh token when a refresh
	// response omits one. Disable for providers that rotate refresh tokens.
	RetainRefreshToken bool
}

func (c SessionConfig) validate() error {
	for name, v := range map[string]string{
		"issuer url":          c.IssuerURL,
		"client id":           c.ClientID,
		"client secret param": c.ClientSecretParam,
		"redirect url":        c.RedirectURL,
		"key arn":             c.KeyARN,
		"role arn":            c.RoleARN,
		"broker client id":    c.BrokerClientID,
		"region":              c.Region,
	} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("usecase: session config: %s must not be empty", name)
		}
	}
	return nil
}

// SessionManager turns an authorization code into a renewable encrypted
// per-owner credential session.
type SessionManager struct {
	idp     IdentityProvider
	broker  TokenExchanger
	store   SessionStore
	crypto  Encryptor
	secrets SecretResolver
	cfg     SessionConfig
	logger  *slog.Logger

	now  func() time.Time
	rand io.Reader
}

func NewSessionManager(idp IdentityProvider, broker TokenExchanger, store SessionStore, crypto Encryptor, secrets SecretResolver, cfg SessionConfig, logger *slog.Logger) (*SessionManager, error) {
	if idp == nil {
		return nil, errors.New("usecase: identity provider must not be nil")
	}
	if broker == nil {
		return nil, errors.New("usecase: token exchanger must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if crypto == nil {
		return nil, errors.New("usecase: encryptor must not be nil")
	}
	if secrets == nil {
		return nil, errors.New("usecase: secret resolver must not be nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.ExpirySkew <= 0 {
		cfg.ExpirySkew = DefaultExpirySkew
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		idp:     idp,
		broker:  broker,
		store:   store,
		crypto:  crypto,
		secrets: secrets,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		rand:    rand.Reader,
	}, nil
}

// StartSession records a pending authorization for ownerID and returns the
// URL the owner must visit.
func (m *SessionManager) StartSession(ctx context.Context, ownerID string) (string, error) {
	if strings.TrimSpace(ownerID) == "" {
		return "", newError(ErrorInvalidInput, "empty_owner_id", nil)
	}
	state, err := m.newState()
	if err != nil {
		return "", newError(ErrorInternal, "state_generation_error", err)
	}

	now := m.now().UTC()
	if err := m.store.PutStateEntry(ctx, domain.OAuthState{
		State:     state,
		OwnerID:   ownerID,
		CreatedAt: now,
		TTL:       now.Add(stateTTL).Unix(),
	}); err != nil {
		return "", newError(ErrorInternal, "dynamodb_state_write_error", err)
	}

	ep, err := m.idp.DiscoverEndpoints(ctx, m.cfg.IssuerURL)
	if err != nil {
		return "", classify(err, "idp_discovery_error", ErrorUpstream)
	}
	m.logger.Info("session started", "stage", "start_session", "owner_id", ownerID)
	return oidc.BuildAuthorizationURL(ep, m.cfg.ClientID, m.cfg.RedirectURL, state, oidc.ScopesFor(m.cfg.IdPName)), nil
}

// FinishSession consumes the state, exchanges the code and persists a new
// session. Nothing is written unless every exchange succeeds.
func (m *SessionManager) FinishSession(ctx context.Context, code, state string) error {
	if strings.TrimSpace(code) == "" || strings.TrimSpace(state) == "" {
		return newError(ErrorInvalidInput, "missing_code_or_state", nil)
	}
	entry, err := m.store.GetAndConsumeStateEntry(ctx, state)
	if err != nil {
		return classify(err, "state_consume_error", ErrorInternal)
	}
	log := m.logger.With("owner_id", entry.OwnerID)

	ep, secret, err := m.idpSettings(ctx)
	if err != nil {
		log.Error("resolve idp settings", "stage", "finish_session", "error", err)
		return err
	}
	tokens, err := m.idp.ExchangeCode(ctx, ep, code, m.cfg.ClientID, secret, m.cfg.RedirectURL)
	if err != nil {
		log.Error("code exchange failed", "stage", "finish_session", "error", err)
		return classify(err, "idp_code_exchange_error", ErrorUpstream)
	}

	session, err := m.exchange(ctx, tokens.IDToken, tokens.RefreshToken)
	if err != nil {
		log.Error("credential exchange failed", "stage", "finish_session", "error", err)
		return err
	}
	if err := m.saveSession(ctx, entry.OwnerID, session); err != nil {
		log.Error("save session failed", "stage", "finish_session", "error", err)
		return err
	}
	log.Info("session established", "stage", "finish_session", "expiration", session.Expiration)
	return nil
}

// GetSessionCredentials returns the owner's credentials, refreshing them
// when the session has expired and a refresh token is held.
func (m *SessionManager) GetSessionCredentials(ctx context.Context, ownerID string) (domain.Credentials, error) {
	log := m.logger.With("owner_id", ownerID)

	session, err := m.loadSession(ctx, ownerID)
	if err != nil {
		return domain.Credentials{}, err
	}
	if !session.Expired(m.now()) {
		return session.Credentials(), nil
	}
	if session.RefreshToken == "" {
		log.Info("session expired without refresh token", "stage", "get_credentials")
		return domain.Credentials{}, newError(ErrorSessionExpired, "no_refresh_token", nil)
	}

	ep, secret, err := m.idpSettings(ctx)
	if err != nil {
		return domain.Credentials{}, err
	}
	tokens, err := m.idp.Refresh(ctx, ep, session.RefreshToken, m.cfg.ClientID, secret)
	if err != nil {
		log.Error("token refresh failed", "stage", "refresh_session", "error", err)
		return domain.Credentials{}, classify(err, "idp_refresh_error", ErrorUpstream)
	}
	refreshToken := tokens.RefreshToken
	if refreshToken == "" && m.cfg.RetainRefreshToken {
		refreshToken = session.RefreshToken
	}

	refreshed, err := m.exchange(ctx, tokens.IDToken, refreshToken)
	if err != nil {
		log.Error("credential exchange failed", "stage", "refresh_session", "error", err)
		return domain.Credentials{}, err
	}
	if err := m.saveSession(ctx, ownerID, refreshed); err != nil {
		log.Error("save session failed", "stage", "refresh_session", "error", err)
		return domain.Credentials{}, err
	}
	log.Info("session refreshed", "stage", "refresh_session", "expiration", refreshed.Expiration)
	return refreshed.Credentials(), nil
}

func (m *SessionManager) newState() (string, error) {
	buf := make([]byte, 16)
	if _, err := io.ReadFull(m.rand, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func (m *SessionManager) idpSettings(ctx context.Context) (oidc.Endpoints, string, error) {
	secret, err := m.secrets.Field(ctx, m.cfg.ClientSecretParam, clientSecretField)
	if err != nil {
		return oidc.Endpoints{}, "", newError(ErrorInternal, "client_secret_load_error", err)
	}
	ep, err := m.idp.DiscoverEndpoints(ctx, m.cfg.IssuerURL)
	if err != nil {
		return oidc.Endpoints{}, "", classify(err, "idp_discovery_error", ErrorUpstream)
	}
	return ep, secret, nil
}

// exchange runs the broker token exchange and the scoped role assumption.
func (m *SessionManager) exchange(ctx context.Context, idToken, refreshToken string) (domain.Session, error) {
	brokerToken, err := m.broker.ExchangeIDTokenForBrokerToken(ctx, m.cfg.BrokerClientID, idToken, m.cfg.Region)
	if err != nil {
		return domain.Session{}, classify(err, "broker_exchange_error", ErrorUpstream)
	}
	identityContext, err := m.broker.IdentityContext(brokerToken)
	if err != nil {
		return domain.Session{}, classify(err, "identity_context_error", ErrorInvalidIdentityContext)
	}
	creds, err := m.broker.AssumeScopedRole(ctx, m.cfg.RoleARN, identityContext, m.cfg.Region)
	if err != nil {
		return domain.Session{}, classify(err, "assume_role_error", ErrorUpstream)
	}
	return domain.Session{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		SessionToken:    creds.SessionToken,
		Expiration:      creds.Expiration.Add(-m.cfg.ExpirySkew).UTC(),
		RefreshToken:    refreshToken,
	}, nil
}

func (m *SessionManager) saveSession(ctx context.Context, ownerID string, s domain.Session) error {
	plaintext, err := json.Marshal(s)
	if err != nil {
		return newError(ErrorInternal, "session_marshal_error", err)
	}
	ciphertext, err := m.crypto.Encrypt(ctx, plaintext, m.cfg.KeyARN, ownerID)
	if err != nil {
		return classify(err, "session_encrypt_error", ErrorInternal)
	}
	if err := m.store.PutSession(ctx, domain.SessionRecord{
		OwnerID:        ownerID,
		EncryptedCreds: base64.StdEncoding.EncodeToString(ciphertext),
		Expiration:     s.Expiration,
		Timestamp:      m.now().UTC(),
	}); err != nil {
		return newError(ErrorInternal, "dynamodb_session_write_error", err)
	}
	return nil
}

func (m *SessionManager) loadSession(ctx context.Context, ownerID string) (domain.Session, error) {
	rec, err := m.store.GetSession(ctx, ownerID)
	if err != nil {
		return domain.Session{}, classify(err, "dynamodb_session_read_error", ErrorInternal)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(rec.EncryptedCreds)
	if err != nil {
		return domain.Session{}, newError(ErrorDecryptionFailure, "session_decode_error", err)
	}
	plaintext, err := m.crypto.Decrypt(ctx, ciphertext, m.cfg.KeyARN, ownerID)
	if err != nil {
		m.logger.Error("session decrypt failed", "stage", "load_session", "owner_id", ownerID, "error", err)
		return domain.Session{}, classify(err, "session_decrypt_error", ErrorInternal)
	}
	var s domain.Session
	if err := json.Unmarshal(plaintext, &s); err != nil {
		return domain.Session{}, newError(ErrorDecryptionFailure, "session_unmarshal_error", err)
	}
	return s, nil
}
