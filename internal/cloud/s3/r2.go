package s3

import (
	"fmt"
	"strings"

	"github.com/kimhsiao/studysync/internal/errors"
)

// R2Config holds Cloudflare R2 settings.
type R2Config struct {
	AccountID  string // Cloudflare Account ID
	BucketName string
	AccessKey  string // R2 API Token (Access Key ID)
	SecretKey  string // R2 API Token (Secret Access Key)
}

// R2 returns the client configuration for a Cloudflare R2 bucket.
func R2(config *R2Config) (*Config, error) {
	if !IsValidR2AccountID(config.AccountID) {
		return nil, errors.Newf(errors.ErrInvalid, "invalid R2 account id %q", config.AccountID)
	}
	return &Config{
		Endpoint:       "https://" + R2EndpointForAccount(config.AccountID),
		BucketName:     config.BucketName,
		AccessKey:      config.AccessKey,
		SecretKey:      config.SecretKey,
		Region:         "auto", // R2 doesn't use regions like AWS
		ForcePathStyle: true,
	}, nil
}

// R2EndpointForAccount returns the S3 API host of an R2 account.
func R2EndpointForAccount(accountID string) string {
	return fmt.Sprintf("%s.r2.cloudflarestorage.com", accountID)
}

// IsValidR2AccountID reports whether accountID is 32 hex characters.
func IsValidR2AccountID(accountID string) bool {
	if len(accountID) != 32 {
		return false
	}
	for _, c := range accountID {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
