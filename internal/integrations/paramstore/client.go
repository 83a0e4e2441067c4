// Package paramstore reads configuration values and secrets from AWS SSM
// Parameter Store.
package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"golang.org/x/sync/singleflight"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// tokenPayload is the JSON shape stored for API secrets.
type tokenPayload struct {
	Token string `json:"token"`
}

// Client wraps an AWS SSM API for parameter retrieval. Tokens are fetched
// once per name and kept for the life of the process; failures are not
// remembered, so the next call retries.
type Client struct {
	api ssmAPI

	mu     sync.RWMutex
	tokens map[string]string
	group  singleflight.Group
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api, tokens: make(map[string]string)}, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}

// Token returns the "token" field of the JSON secret stored under name.
func (c *Client) Token(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	c.mu.RLock()
	tok, ok := c.tokens[name]
	c.mu.RUnlock()
	if ok {
		return tok, nil
	}

	v, err, _ := c.group.Do(name, func() (any, error) {
		raw, err := c.GetParameter(ctx, name)
		if err != nil {
			return "", err
		}
		tok, err := ParseToken(raw)
		if err != nil {
			return "", fmt.Errorf("paramstore: %q: %w", name, err)
		}
		c.mu.Lock()
		if c.tokens == nil {
			c.tokens = make(map[string]string)
		}
		c.tokens[name] = tok
		c.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// ParseToken extracts the token from a {"token": "..."} payload.
func ParseToken(raw string) (string, error) {
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("unmarshal token value as JSON: %w", err)
	}
	if strings.TrimSpace(tp.Token) == "" {
		return "", errors.New("token is empty")
	}
	return tp.Token, nil
}
