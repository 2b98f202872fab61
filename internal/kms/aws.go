package kms

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/memvault/internal/memerr"
	"github.com/haasonsaas/memvault/internal/retry"
)

// awsAPI is the subset of the KMS client the manager uses.
type awsAPI interface {
	GenerateDataKey(ctx context.Context, params *awskms.GenerateDataKeyInput, optFns ...func(*awskms.Options)) (*awskms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *awskms.DecryptInput, optFns ...func(*awskms.Options)) (*awskms.DecryptOutput, error)
}

// AWSConfig configures the AWS KMS key manager.
type AWSConfig struct {
	KeyID       string
	Region      string
	KeyCacheTTL time.Duration
}

// AWSKeyManager implements KeyManager against AWS KMS.
type AWSKeyManager struct {
	client awsAPI
	keyID  string
	cache  *keyCache
	retry  retry.Config
}

var _ KeyManager = (*AWSKeyManager)(nil)

// NewAWS creates a key manager backed by AWS KMS.
func NewAWS(ctx context.Context, cfg AWSConfig) (*AWSKeyManager, error) {
	if strings.TrimSpace(cfg.KeyID) == "" {
		return nil, memerr.New(memerr.KindValidation, "kms key id is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, memerr.Wrap(err, memerr.KindUpstream, "load aws config")
	}

	return newAWSWithClient(awskms.NewFromConfig(awsCfg), cfg), nil
}

func newAWSWithClient(client awsAPI, cfg AWSConfig) *AWSKeyManager {
	return &AWSKeyManager{
		client: client,
		keyID:  cfg.KeyID,
		cache:  newKeyCache(cfg.KeyCacheTTL),
		retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     10 * time.Second,
			Factor:       2.0,
			Jitter:       true,
			RetryIf:      retryableKMSError,
		},
	}
}

// GenerateDataKey requests a fresh AES-256 data key from KMS.
func (m *AWSKeyManager) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	out, err := retry.DoWithValue(ctx, m.retry, func() (*awskms.GenerateDataKeyOutput, error) {
		return m.client.GenerateDataKey(ctx, &awskms.GenerateDataKeyInput{
			KeyId:   &m.keyID,
			KeySpec: types.DataKeySpecAes256,
		})
	})
	if err != nil {
		return nil, translateKMSError(err, "generate data key")
	}
	if len(out.Plaintext) != DataKeySize {
		Zeroize(out.Plaintext)
		return nil, memerr.Newf(memerr.KindUpstream,
			"kms returned %d-byte data key, want %d", len(out.Plaintext), DataKeySize)
	}

	m.cache.put(out.CiphertextBlob, out.Plaintext)
	return &DataKey{Plaintext: out.Plaintext, Wrapped: out.CiphertextBlob}, nil
}

// DecryptDataKey unwraps a data key, serving repeats from the TTL
// cache.
func (m *AWSKeyManager) DecryptDataKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	if len(wrapped) == 0 {
		return nil, memerr.New(memerr.KindValidation, "wrapped key is empty")
	}
	if plaintext, ok := m.cache.get(wrapped); ok {
		return plaintext, nil
	}

	out, err := retry.DoWithValue(ctx, m.retry, func() (*awskms.DecryptOutput, error) {
		return m.client.Decrypt(ctx, &awskms.DecryptInput{
			CiphertextBlob: wrapped,
			KeyId:          &m.keyID,
		})
	})
	if err != nil {
		return nil, translateKMSError(err, "decrypt data key")
	}

	m.cache.put(wrapped, out.Plaintext)
	return out.Plaintext, nil
}

// Close wipes all cached key material.
func (m *AWSKeyManager) Close() error {
	m.cache.close()
	return nil
}

func retryableKMSError(err error) bool {
	var throttle *types.LimitExceededException
	if errors.As(err, &throttle) {
		return true
	}
	var internal *types.KMSInternalException
	if errors.As(err, &internal) {
		return true
	}
	var unavailable *types.DependencyTimeoutException
	if errors.As(err, &unavailable) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "ThrottlingException" || code == "ServiceUnavailable" || code == "InternalFailure"
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func translateKMSError(err error, op string) error {
	var notFound *types.NotFoundException
	if errors.As(err, &notFound) {
		return memerr.Wrap(err, memerr.KindNotFound, op)
	}
	var disabled *types.DisabledException
	if errors.As(err, &disabled) {
		return memerr.Wrap(err, memerr.KindAuthorization, op)
	}
	var invalid *types.InvalidCiphertextException
	if errors.As(err, &invalid) {
		return memerr.Wrap(err, memerr.KindValidation, op)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "AccessDeniedException" {
		return memerr.Wrap(err, memerr.KindAuthorization, op)
	}
	return memerr.Wrap(err, memerr.KindUpstream, op)
}
