package s3

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	algorithm       = "AWS4-HMAC-SHA256"
	unsignedPayload = "UNSIGNED-PAYLOAD"
	signedHeaders   = "host;x-amz-content-sha256;x-amz-date"
)

// sign adds AWS Signature V4 headers to req. rawPath and rawQuery must be
// exactly what goes on the wire.
func (c *Client) sign(req *http.Request, rawPath, rawQuery, payloadHash string, now time.Time) {
	amzDate := now.Format("20060102T150405Z")
	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)

	canonical := canonicalRequest(req.Method, rawPath, rawQuery, req.URL.Host, amzDate, payloadHash)
	req.Header.Set("Authorization", c.authorization(canonical, amzDate))
}

func canonicalRequest(method, rawPath, rawQuery, host, amzDate, payloadHash string) string {
	if rawPath == "" {
		rawPath = "/"
	}
	canonicalHeaders := fmt.Sprintf("host:%s\nx-amz-content-sha256:%s\nx-amz-date:%s\n",
		host, payloadHash, amzDate)
	return strings.Join([]string{
		method,
		rawPath,
		rawQuery,
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")
}

// authorization calculates the AWS V4 authorization header.
func (c *Client) authorization(canonical, amzDate string) string {
	dateStamp := amzDate[:8]
	scope := fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, c.config.Region)

	stringToSign := fmt.Sprintf("%s\n%s\n%s\n%s",
		algorithm, amzDate, scope, hex.EncodeToString(hashSHA256([]byte(canonical))))

	kSecret := []byte("AWS4" + c.config.SecretKey)
	kDate := hmacSHA256(kSecret, dateStamp)
	kRegion := hmacSHA256(kDate, c.config.Region)
	kService := hmacSHA256(kRegion, "s3")
	kSigning := hmacSHA256(kService, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(kSigning, stringToSign))

	return fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, c.config.AccessKey, scope, signedHeaders, signature)
}

// canonicalQuery encodes query sorted by key as SigV4 requires.
func canonicalQuery(query url.Values) string {
	if len(query) == 0 {
		return ""
	}
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		values := append([]string(nil), query[k]...)
		sort.Strings(values)
		for _, v := range values {
			parts = append(parts, uriEncode(k, true)+"="+uriEncode(v, true))
		}
	}
	return strings.Join(parts, "&")
}

// uriEncode percent-encodes everything but RFC 3986 unreserved characters.
// Slashes are kept unless encodeSlash is set.
func uriEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch >= 'A' && ch <= 'Z', ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9',
			ch == '-', ch == '_', ch == '.', ch == '~':
			b.WriteByte(ch)
		case ch == '/' && !encodeSlash:
			b.WriteByte(ch)
		default:
			fmt.Fprintf(&b, "%%%02X", ch)
		}
	}
	return b.String()
}

// hmacSHA256 calculates HMAC-SHA256.
func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// hashSHA256 calculates SHA256 hash.
func hashSHA256(data []byte) []byte {
	h := sha256.New()
	h.Write(data)
	return h.Sum(nil)
}
