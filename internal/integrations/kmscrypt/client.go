// Package kmscrypt seals small payloads under a KMS-managed key and binds an
// owner id into every ciphertext as authenticated encryption context.
package kmscrypt

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 1
	// ContextKey is the encryption-context key the owner id is bound under.
	ContextKey = "ownerId"
)

var (
	// ErrContextMismatch is returned when a ciphertext was sealed for a
	// different owner than the one supplied to Decrypt.
	ErrContextMismatch = errors.New("kmscrypt: encryption context mismatch")
	// ErrDecryptionFailure covers every other integrity failure.
	ErrDecryptionFailure = errors.New("kmscrypt: decryption failure")
)

// kmsAPI is the subset of *kms.Client used here.
type kmsAPI interface {
	GenerateDataKey(ctx context.Context, in *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Encryptor is the contract consumed by the session manager.
type Encryptor interface {
	Encrypt(ctx context.Context, plaintext []byte, keyID, encContext string) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte, keyID, encContext string) ([]byte, error)
}

// envelope is the serialized form of a sealed payload. The data key is
// wrapped by KMS under the same encryption context used as AEAD additional data.
type envelope struct {
	Version    int               `json:"v"`
	Context    map[string]string `json:"ctx"`
	WrappedKey []byte            `json:"key"`
	Nonce      []byte            `json:"nonce"`
	Data       []byte            `json:"data"`
}

// Client implements Encryptor with KMS data keys and XChaCha20-Poly1305.
type Client struct {
	api  kmsAPI
	rand io.Reader
}

// New creates a Client over the given KMS API.
func New(api kmsAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("kmscrypt: api must not be nil")
	}
	return &Client{api: api, rand: rand.Reader}, nil
}

// Encrypt seals plaintext under a fresh data key generated from keyID.
func (c *Client) Encrypt(ctx context.Context, plaintext []byte, keyID, encContext string) ([]byte, error) {
	keyID = strings.TrimSpace(keyID)
	if len(plaintext) == 0 || keyID == "" || encContext == "" {
		return nil, errors.New("kmscrypt: plaintext, key id and context are required")
	}
	ec := map[string]string{ContextKey: encContext}

	out, err := c.api.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:             aws.String(keyID),
		KeySpec:           types.DataKeySpecAes256,
		EncryptionContext: ec,
	})
	if err != nil {
		return nil, fmt.Errorf("kmscrypt: generate data key: %w", err)
	}
	if out == nil || len(out.Plaintext) != chacha20poly1305.KeySize || len(out.CiphertextBlob) == 0 {
		return nil, errors.New("kmscrypt: generate data key: unexpected key material")
	}
	defer clear(out.Plaintext)

	aead, err := chacha20poly1305.NewX(out.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("kmscrypt: init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return nil, fmt.Errorf("kmscrypt: read nonce: %w", err)
	}

	env := envelope{
		Version:    envelopeVersion,
		Context:    ec,
		WrappedKey: out.CiphertextBlob,
		Nonce:      nonce,
		Data:       aead.Seal(nil, nonce, plaintext, additionalData(ec)),
	}
	buf, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("kmscrypt: marshal envelope: %w", err)
	}
	return buf, nil
}

// Decrypt opens a ciphertext produced by Encrypt. The embedded context must
// equal encContext or ErrContextMismatch is returned before KMS is called.
func (c *Client) Decrypt(ctx context.Context, ciphertext []byte, keyID, encContext string) ([]byte, error) {
	keyID = strings.TrimSpace(keyID)
	if len(ciphertext) == 0 || keyID == "" || encContext == "" {
		return nil, errors.New("kmscrypt: ciphertext, key id and context are required")
	}

	var env envelope
	if err := json.Unmarshal(ciphertext, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope", ErrDecryptionFailure)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", ErrDecryptionFailure, env.Version)
	}
	if len(env.Context) != 1 || env.Context[ContextKey] != encContext {
		return nil, ErrContextMismatch
	}

	out, err := c.api.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    env.WrappedKey,
		KeyId:             aws.String(keyID),
		EncryptionContext: env.Context,
	})
	if err != nil {
		var invalid *types.InvalidCiphertextException
		if errors.As(err, &invalid) {
			return nil, fmt.Errorf("%w: unwrap data key", ErrDecryptionFailure)
		}
		return nil, fmt.Errorf("kmscrypt: decrypt data key: %w", err)
	}
	if out == nil || len(out.Plaintext) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: unexpected key material", ErrDecryptionFailure)
	}
	defer clear(out.Plaintext)

	aead, err := chacha20poly1305.NewX(out.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("kmscrypt: init cipher: %w", err)
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce", ErrDecryptionFailure)
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Data, additionalData(env.Context))
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryptionFailure)
	}
	return plaintext, nil
}

// additionalData is the canonical AEAD additional data for a context. Only
// the owner key is ever set, so no ordering is required.
func additionalData(ec map[string]string) []byte {
	return []byte(ContextKey + "=" + ec[ContextKey])
}
