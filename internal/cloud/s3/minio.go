package s3

import (
	"strings"

	"github.com/kimhsiao/studysync/internal/errors"
)

// MinIOConfig holds MinIO settings.
type MinIOConfig struct {
	Endpoint   string // e.g. "localhost:9000" or "https://minio.example.com"
	BucketName string
	AccessKey  string
	SecretKey  string
	UseSSL     bool // used when Endpoint carries no scheme
}

// MinIO returns the client configuration for a MinIO bucket.
func MinIO(config *MinIOConfig) (*Config, error) {
	endpoint, err := ParseMinIOEndpoint(config.Endpoint, config.UseSSL)
	if err != nil {
		return nil, err
	}
	return &Config{
		Endpoint:       endpoint,
		BucketName:     config.BucketName,
		AccessKey:      config.AccessKey,
		SecretKey:      config.SecretKey,
		Region:         "us-east-1", // MinIO doesn't use regions, default required
		ForcePathStyle: true,        // Path-style URLs required for MinIO
	}, nil
}

// ParseMinIOEndpoint returns endpoint with a scheme and no trailing slash.
func ParseMinIOEndpoint(endpoint string, useSSL bool) (string, error) {
	if endpoint == "" {
		return "", errors.New(errors.ErrInvalid, "endpoint cannot be empty")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if useSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	return strings.TrimSuffix(endpoint, "/"), nil
}
