package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/aelexs/numberbroker/internal/config"
	"github.com/aelexs/numberbroker/internal/domain"
)

// smClient is the narrow consumer-defined interface for Secrets Manager operations.
type smClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// ssmClient is the narrow consumer-defined interface for SSM Parameter Store operations.
type ssmClient interface {
	GetParameter(ctx context.Context, params *awsssm.GetParameterInput, optFns ...func(*awsssm.Options)) (*awsssm.GetParameterOutput, error)
}

// brokerSecret is the JSON document stored in Secrets Manager.
type brokerSecret struct {
	FastKey         string `json:"fast_key"`
	TigerKey        string `json:"tiger_key"`
	BowerKey        string `json:"bower_key"`
	FivesimKey      string `json:"fivesim_key"`
	BharatPeToken   string `json:"bharatpe_token"`
	TokenSigningKey string `json:"token_signing_key"`
}

// AWSSecretSource loads vendor credentials and the token signing key from
// Secrets Manager, and the profit rate from SSM Parameter Store.
type AWSSecretSource struct {
	sm  smClient
	ssm ssmClient
}

// NewAWSSecretSource creates an AWSSecretSource. Either client may be nil to
// skip that store.
func NewAWSSecretSource(sm smClient, ssm ssmClient) *AWSSecretSource {
	return &AWSSecretSource{sm: sm, ssm: ssm}
}

// Load fetches secretID and profitRateParam. An empty name skips that
// lookup. A missing profit-rate parameter leaves the configured rate.
// This runs once at startup; any other failure stops the service.
func (s *AWSSecretSource) Load(ctx context.Context, secretID, profitRateParam string) (config.Secrets, error) {
	ctx, span := tracer.Start(ctx, "aws.secrets.load")
	defer span.End()

	var out config.Secrets

	if secretID != "" && s.sm != nil {
		secret, err := s.loadSecret(ctx, secretID)
		if err != nil {
			return config.Secrets{}, err
		}
		out.VendorKeys = map[string]domain.SecretString{
			"fast":    domain.SecretString(secret.FastKey),
			"tiger":   domain.SecretString(secret.TigerKey),
			"bower":   domain.SecretString(secret.BowerKey),
			"fivesim": domain.SecretString(secret.FivesimKey),
		}
		out.BharatPeToken = domain.SecretString(secret.BharatPeToken)
		out.SigningKey = domain.SecretString(secret.TokenSigningKey)
	}

	if profitRateParam != "" && s.ssm != nil {
		rate, err := s.loadProfitRate(ctx, profitRateParam)
		if err != nil {
			return config.Secrets{}, err
		}
		out.ProfitRate = rate
	}

	return out, nil
}

func (s *AWSSecretSource) loadSecret(ctx context.Context, secretID string) (brokerSecret, error) {
	output, err := s.sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return brokerSecret{}, fmt.Errorf("fetching secret %q from Secrets Manager: %w", secretID, err)
	}
	if output.SecretString == nil {
		return brokerSecret{}, fmt.Errorf("secret %q has no secret string", secretID)
	}

	var secret brokerSecret
	if err := json.Unmarshal([]byte(*output.SecretString), &secret); err != nil {
		return brokerSecret{}, fmt.Errorf("decoding secret %q: %w", secretID, err)
	}
	return secret, nil
}

func (s *AWSSecretSource) loadProfitRate(ctx context.Context, name string) (int, error) {
	output, err := s.ssm.GetParameter(ctx, &awsssm.GetParameterInput{
		Name: aws.String(name),
	})
	if err != nil {
		var notFound *ssmtypes.ParameterNotFound
		if errors.As(err, &notFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("fetching parameter %q from SSM: %w", name, err)
	}
	if output.Parameter == nil || output.Parameter.Value == nil {
		return 0, fmt.Errorf("SSM parameter %s has no value", name)
	}

	rate, err := strconv.Atoi(strings.TrimSpace(*output.Parameter.Value))
	if err != nil || rate < 0 {
		return 0, fmt.Errorf("SSM parameter %s: profit rate %q: %w", name, *output.Parameter.Value, domain.ErrInvalidInput)
	}
	return rate, nil
}
