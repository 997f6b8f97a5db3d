package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// KeySource resolves the process-wide credential encryption secret.
type KeySource interface {
	Secret(ctx context.Context) (string, error)
}

type StaticKeySource string

func (s StaticKeySource) Secret(context.Context) (string, error) {
	secret := strings.TrimSpace(string(s))
	if secret == "" {
		return "", ErrKeyMissing
	}
	return secret, nil
}

type secretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerKeySource reads the secret from AWS Secrets Manager once and
// caches it for the life of the process.
type SecretsManagerKeySource struct {
	client   secretsAPI
	secretID string

	mu     sync.Mutex
	cached string
}

func NewSecretsManagerKeySource(ctx context.Context, secretID string) (*SecretsManagerKeySource, error) {
	secretID = strings.TrimSpace(secretID)
	if secretID == "" {
		return nil, errors.New("secret id is required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SecretsManagerKeySource{
		client:   secretsmanager.NewFromConfig(cfg),
		secretID: secretID,
	}, nil
}

func (s *SecretsManagerKeySource) Secret(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != "" {
		return s.cached, nil
	}

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(s.secretID)})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", s.secretID, err)
	}
	secret := strings.TrimSpace(aws.ToString(out.SecretString))
	if secret == "" {
		return "", ErrKeyMissing
	}

	s.cached = secret
	return s.cached, nil
}
