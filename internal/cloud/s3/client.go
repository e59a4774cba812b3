// Package s3 provides an S3-compatible storage client and a cloud provider
// built on it. Presets cover AWS S3, Cloudflare R2 and MinIO.
package s3

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kimhsiao/studysync/internal/cloud"
	"github.com/kimhsiao/studysync/internal/errors"
)

// Config holds S3 connection configuration.
type Config struct {
	Endpoint       string // scheme optional, https assumed
	BucketName     string
	AccessKey      string
	SecretKey      string
	Region         string
	ForcePathStyle bool // Use path-style URLs (minio, localstack)
	Timeout        time.Duration
}

// Client is a minimal S3 REST client signing requests with AWS Signature V4.
type Client struct {
	config     *Config
	base       *url.URL
	httpClient *http.Client
	now        func() time.Time
}

// Object is an entry of a bucket listing or a HEAD response.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// listBucketResult represents the S3 ListObjectsV2 response.
type listBucketResult struct {
	XMLName               xml.Name `xml:"ListBucketResult"`
	Name                  string   `xml:"Name"`
	Prefix                string   `xml:"Prefix"`
	IsTruncated           bool     `xml:"IsTruncated"`
	NextContinuationToken string   `xml:"NextContinuationToken"`
	Contents              []struct {
		Key          string `xml:"Key"`
		LastModified string `xml:"LastModified"`
		Size         int64  `xml:"Size"`
	} `xml:"Contents"`
	CommonPrefixes []struct {
		Prefix string `xml:"Prefix"`
	} `xml:"CommonPrefixes"`
}

// NewClient creates a new Client.
func NewClient(config *Config) (*Client, error) {
	if config.BucketName == "" {
		return nil, errors.New(errors.ErrInvalid, "s3 bucket name is required")
	}
	endpoint := config.Endpoint
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	base, err := url.Parse(strings.TrimSuffix(endpoint, "/"))
	if err != nil || base.Host == "" {
		return nil, errors.Newf(errors.ErrInvalid, "invalid s3 endpoint %q", config.Endpoint)
	}
	if config.Region == "" {
		config.Region = "us-east-1"
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		config: config,
		base:   base,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:       10,
				IdleConnTimeout:    30 * time.Second,
				DisableCompression: false,
			},
		},
		now: time.Now,
	}, nil
}

// Config returns the client configuration.
func (c *Client) Config() Config {
	return *c.config
}

// Put uploads size bytes from body to key.
func (c *Client) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	req, err := c.newRequest(ctx, http.MethodPut, key, nil, body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.do(req, "upload")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Get streams the content of key into w.
func (c *Client) Get(ctx context.Context, key string, w io.Writer) error {
	req, err := c.newRequest(ctx, http.MethodGet, key, nil, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req, "download")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return cloud.TransportError("download", err)
	}
	return nil
}

// Head returns the metadata of key.
func (c *Client) Head(ctx context.Context, key string) (*Object, error) {
	req, err := c.newRequest(ctx, http.MethodHead, key, nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req, "head")
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	obj := &Object{Key: key}
	if n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
		obj.Size = n
	}
	if t, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		obj.LastModified = t.UTC()
	}
	return obj, nil
}

// Delete deletes key. S3 reports success for missing keys; a 404 from a
// stricter implementation is treated the same way.
func (c *Client) Delete(ctx context.Context, key string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, key, nil, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req, "delete")
	if cloud.NotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// List lists the objects below prefix, following continuation tokens. With
// a delimiter, keys sharing a sub-prefix are rolled up into prefixes.
func (c *Client) List(ctx context.Context, prefix, delimiter string) ([]Object, []string, error) {
	var objects []Object
	var prefixes []string
	token := ""
	for {
		query := url.Values{"list-type": {"2"}, "prefix": {prefix}}
		if delimiter != "" {
			query.Set("delimiter", delimiter)
		}
		if token != "" {
			query.Set("continuation-token", token)
		}
		req, err := c.newRequest(ctx, http.MethodGet, "", query, nil)
		if err != nil {
			return nil, nil, err
		}
		resp, err := c.do(req, "list")
		if err != nil {
			return nil, nil, err
		}
		var result listBucketResult
		err = xml.NewDecoder(resp.Body).Decode(&result)
		resp.Body.Close()
		if err != nil {
			return nil, nil, errors.Wrap(errors.ErrProviderUnavailable, "failed to parse list response", err)
		}

		for _, content := range result.Contents {
			obj := Object{Key: content.Key, Size: content.Size}
			if t, err := time.Parse(time.RFC3339Nano, content.LastModified); err == nil {
				obj.LastModified = t.UTC()
			}
			objects = append(objects, obj)
		}
		for _, p := range result.CommonPrefixes {
			prefixes = append(prefixes, p.Prefix)
		}
		if !result.IsTruncated || result.NextContinuationToken == "" {
			return objects, prefixes, nil
		}
		token = result.NextContinuationToken
	}
}

// TestConnection tests the S3 connection by listing the bucket.
func (c *Client) TestConnection(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "", url.Values{"list-type": {"2"}, "max-keys": {"1"}}, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req, "list")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) do(req *http.Request, op string) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.categorizeError(op, err)
	}
	if resp.StatusCode/100 == 2 {
		return resp, nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return nil, c.categorizeHTTPError(op, resp.StatusCode, string(body))
}

// categorizeError classifies transport failures.
func (c *Client) categorizeError(op string, err error) error {
	return cloud.TransportError("s3 "+op, err)
}

// categorizeHTTPError classifies an error response. S3 reports a bad
// signature or key as 403, which is an authorization failure like 401.
func (c *Client) categorizeHTTPError(op string, status int, body string) error {
	if status == http.StatusServiceUnavailable && strings.Contains(body, "SlowDown") {
		return errors.Newf(errors.ErrProviderUnavailable, "s3 %s throttled", op)
	}
	return cloud.StatusError(status, "s3 "+op, truncateString(errorCode(body), 200))
}

// errorCode extracts <Code> from an S3 error document, or returns body.
func errorCode(body string) string {
	var doc struct {
		Code    string `xml:"Code"`
		Message string `xml:"Message"`
	}
	if xml.Unmarshal([]byte(body), &doc) == nil && doc.Code != "" {
		if doc.Message != "" {
			return doc.Code + ": " + doc.Message
		}
		return doc.Code
	}
	return strings.TrimSpace(body)
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// newRequest builds a signed request for key (empty for bucket operations).
func (c *Client) newRequest(ctx context.Context, method, key string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.base
	var rawPath string
	if c.config.ForcePathStyle {
		// Path-style: http://endpoint/bucket/key
		rawPath = "/" + uriEncode(c.config.BucketName, false)
		if key != "" {
			rawPath += "/" + uriEncode(key, false)
		}
	} else {
		// Virtual-host-style: http://bucket.endpoint/key
		u.Host = c.config.BucketName + "." + u.Host
		rawPath = "/" + uriEncode(key, false)
	}
	path, err := url.PathUnescape(rawPath)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "invalid object key", err)
	}
	u.Path = path
	u.RawPath = rawPath
	u.RawQuery = canonicalQuery(query)

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "failed to build s3 request", err)
	}
	c.sign(req, rawPath, u.RawQuery, unsignedPayload, c.now().UTC())
	return req, nil
}

// String describes the bucket for logs.
func (c *Client) String() string {
	return fmt.Sprintf("s3://%s@%s", c.config.BucketName, c.base.Host)
}
