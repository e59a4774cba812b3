package s3

import (
	"sort"

	"github.com/kimhsiao/studysync/internal/errors"
)

// awsEndpoints maps AWS regions to their S3 endpoints.
var awsEndpoints = map[string]string{
	"us-east-1":      "s3.amazonaws.com",
	"us-east-2":      "s3.us-east-2.amazonaws.com",
	"us-west-1":      "s3.us-west-1.amazonaws.com",
	"us-west-2":      "s3.us-west-2.amazonaws.com",
	"eu-west-1":      "s3.eu-west-1.amazonaws.com",
	"eu-west-2":      "s3.eu-west-2.amazonaws.com",
	"eu-west-3":      "s3.eu-west-3.amazonaws.com",
	"eu-central-1":   "s3.eu-central-1.amazonaws.com",
	"eu-north-1":     "s3.eu-north-1.amazonaws.com",
	"eu-south-1":     "s3.eu-south-1.amazonaws.com",
	"ap-northeast-1": "s3.ap-northeast-1.amazonaws.com",
	"ap-northeast-2": "s3.ap-northeast-2.amazonaws.com",
	"ap-northeast-3": "s3.ap-northeast-3.amazonaws.com",
	"ap-southeast-1": "s3.ap-southeast-1.amazonaws.com",
	"ap-southeast-2": "s3.ap-southeast-2.amazonaws.com",
	"ap-south-1":     "s3.ap-south-1.amazonaws.com",
	"ca-central-1":   "s3.ca-central-1.amazonaws.com",
	"sa-east-1":      "s3.sa-east-1.amazonaws.com",
	"me-south-1":     "s3.me-south-1.amazonaws.com",
	"af-south-1":     "s3.af-south-1.amazonaws.com",
}

// AWSConfig holds AWS S3 settings.
type AWSConfig struct {
	BucketName string
	AccessKey  string
	SecretKey  string
	Region     string // Default: us-east-1
}

// AWS returns the client configuration for an AWS S3 bucket.
func AWS(config *AWSConfig) (*Config, error) {
	region := config.Region
	if region == "" {
		region = "us-east-1"
	}
	endpoint, err := AWSEndpointForRegion(region)
	if err != nil {
		return nil, err
	}
	return &Config{
		Endpoint:       "https://" + endpoint,
		BucketName:     config.BucketName,
		AccessKey:      config.AccessKey,
		SecretKey:      config.SecretKey,
		Region:         region,
		ForcePathStyle: false, // Virtual-host style for AWS S3
	}, nil
}

// AWSEndpointForRegion returns the S3 endpoint for region.
func AWSEndpointForRegion(region string) (string, error) {
	endpoint, ok := awsEndpoints[region]
	if !ok {
		return "", errors.Newf(errors.ErrInvalid, "unknown AWS region: %s", region)
	}
	return endpoint, nil
}

// SupportedAWSRegions returns the known regions in sorted order.
func SupportedAWSRegions() []string {
	regions := make([]string, 0, len(awsEndpoints))
	for region := range awsEndpoints {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	return regions
}
