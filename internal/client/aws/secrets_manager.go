package aws

import (
	"context"
	"os"

	"walletpilot-api/internal/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SecretsManagerClient wraps the AWS Secrets Manager client. The API uses
// it at startup to resolve the JWT signing secret in deployed
// environments; local development falls back to plain env vars.
type SecretsManagerClient struct {
	svc *secretsmanager.Client
}

// NewSecretsManagerClient creates a Secrets Manager client using the
// default AWS configuration chain.
func NewSecretsManagerClient(ctx context.Context) (*SecretsManagerClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load AWS SDK config")
	}
	return &SecretsManagerClient{svc: secretsmanager.NewFromConfig(cfg)}, nil
}

// GetSecretString fetches a secret whose ARN is named by secretArnEnvVar.
// If the ARN variable is unset or the fetch fails, it falls back to the
// value of fallbackEnvVar.
func (c *SecretsManagerClient) GetSecretString(ctx context.Context, secretArnEnvVar, fallbackEnvVar string) (string, error) {
	if secretArn := os.Getenv(secretArnEnvVar); secretArn != "" {
		result, err := c.svc.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
			SecretId: aws.String(secretArn),
		})
		if err == nil && result.SecretString != nil && *result.SecretString != "" {
			return *result.SecretString, nil
		}
		logger.Warn("Failed to retrieve secret from Secrets Manager, falling back to env var",
			zap.String("secret_arn", secretArn),
			zap.String("fallback_env_var", fallbackEnvVar),
			zap.Error(err),
		)
	}

	if value := os.Getenv(fallbackEnvVar); value != "" {
		return value, nil
	}
	return "", errors.Errorf("secret not found in Secrets Manager (%s) or environment (%s)", secretArnEnvVar, fallbackEnvVar)
}
