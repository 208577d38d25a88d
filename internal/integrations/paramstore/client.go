package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// ErrNotFound is returned when the named parameter does not exist.
var ErrNotFound = errors.New("paramstore: parameter not found")

type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter returns the raw value of one parameter.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client reads SecureString parameters, always decrypted.
type Client struct {
	api ssmAPI
}

func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c == nil || c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: parameter name is required")
	}

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var nf *types.ParameterNotFound
		if errors.As(err, &nf) {
			return "", fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return "", fmt.Errorf("paramstore: get %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
		return "", fmt.Errorf("paramstore: parameter %q has no value", name)
	}
	return *out.Parameter.Value, nil
}

// Secrets resolves string fields out of JSON-valued parameters, e.g.
// {"OIDCClientSecret":"..."}. Successful reads are cached for the process
// lifetime; failures are not, so the next call retries.
type Secrets struct {
	getter Getter

	mu     sync.Mutex
	values map[string]map[string]string
}

// NewSecrets creates a Secrets resolver over getter.
func NewSecrets(getter Getter) (*Secrets, error) {
	if getter == nil {
		return nil, errors.New("paramstore: getter must not be nil")
	}
	return &Secrets{getter: getter, values: map[string]map[string]string{}}, nil
}

// Field returns the named field of the JSON object stored at parameter name.
func (s *Secrets) Field(ctx context.Context, name, field string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields, ok := s.values[name]
	if !ok {
		raw, err := s.getter.GetParameter(ctx, name)
		if err != nil {
			return "", err
		}
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return "", fmt.Errorf("paramstore: parameter %q is not a JSON object of strings: %w", name, err)
		}
		s.values[name] = fields
	}

	v := strings.TrimSpace(fields[field])
	if v == "" {
		return "", fmt.Errorf("paramstore: parameter %q has no value for %q", name, field)
	}
	return v, nil
}
