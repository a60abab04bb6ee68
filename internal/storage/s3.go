package storage

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ourtextscores/scorecore/internal/models"
)

// S3Config holds S3 connection configuration.
type S3Config struct {
	Endpoint       string // scheme://host[:port]
	BucketName     string
	AccessKey      string
	SecretKey      string
	Region         string
	ForcePathStyle bool // path-style URLs (minio, localstack)
}

// S3Client implements Gateway for S3-compatible storage, signing requests
// with AWS Signature Version 4.
type S3Client struct {
	config     *S3Config
	endpoint   *url.URL
	httpClient *http.Client
	now        func() time.Time
}

// NewS3Client creates a new S3Client.
func NewS3Client(config *S3Config) (*S3Client, error) {
	endpoint := config.Endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(strings.TrimSuffix(endpoint, "/"))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid s3 endpoint %q", config.Endpoint)
	}
	if config.BucketName == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if config.Region == "" {
		config.Region = "us-east-1"
	}
	return &S3Client{
		config:   config,
		endpoint: u,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		now: time.Now,
	}, nil
}

// Put uploads data to the configured bucket.
func (c *S3Client) Put(ctx context.Context, key string, data []byte, contentType string) (*models.StorageLocator, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req, err := c.newRequest(ctx, http.MethodPut, c.config.BucketName, key, data)
	if err != nil {
		return nil, storageErr("failed to build upload of %s", err, key)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, storageErr("upload of %s failed", err, key)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, storageErr("upload of %s failed", fmt.Errorf("status %d: %s", resp.StatusCode, body), key)
	}

	modified := c.now()
	if lm, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		modified = lm
	}
	return locator(c.config.BucketName, key, data, contentType, modified), nil
}

// Get downloads an object.
func (c *S3Client) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if bucket == "" {
		bucket = c.config.BucketName
	}
	req, err := c.newRequest(ctx, http.MethodGet, bucket, key, nil)
	if err != nil {
		return nil, storageErr("failed to build download of %s", err, key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, storageErr("download of %s failed", err, key)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, notFound(bucket, key)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, storageErr("download of %s failed", fmt.Errorf("status %d: %s", resp.StatusCode, body), key)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, storageErr("failed to read body of %s", err, key)
	}
	return data, nil
}

// newRequest builds a signed request for bucket/key.
func (c *S3Client) newRequest(ctx context.Context, method, bucket, key string, body []byte) (*http.Request, error) {
	host := c.endpoint.Host
	canonicalURI := "/" + bucket + "/" + key
	if !c.config.ForcePathStyle {
		host = bucket + "." + c.endpoint.Host
		canonicalURI = "/" + key
	}
	canonicalURI = escapePath(canonicalURI)

	urlStr := c.endpoint.Scheme + "://" + host + canonicalURI
	req, err := http.NewRequestWithContext(ctx, method, urlStr, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Host = host
	req.ContentLength = int64(len(body))

	payloadHash := hex.EncodeToString(hashSHA256(body))
	amzDate := c.now().UTC().Format("20060102T150405Z")
	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)

	headers := map[string]string{
		"host":                 host,
		"x-amz-content-sha256": payloadHash,
		"x-amz-date":           amzDate,
	}
	req.Header.Set("Authorization", c.authorization(method, canonicalURI, "", headers, payloadHash, amzDate))
	return req, nil
}

// authorization computes the SigV4 Authorization header value.
func (c *S3Client) authorization(method, canonicalURI, canonicalQuery string, headers map[string]string, payloadHash, amzDate string) string {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var canonicalHeaders strings.Builder
	for _, name := range names {
		canonicalHeaders.WriteString(name + ":" + strings.TrimSpace(headers[name]) + "\n")
	}
	signedHeaders := strings.Join(names, ";")

	canonicalRequest := strings.Join([]string{
		method, canonicalURI, canonicalQuery, canonicalHeaders.String(), signedHeaders, payloadHash,
	}, "\n")

	dateStamp := amzDate[:8]
	scope := fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, c.config.Region)
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256", amzDate, scope, hex.EncodeToString(hashSHA256([]byte(canonicalRequest))),
	}, "\n")

	key := signingKey(c.config.SecretKey, dateStamp, c.config.Region, "s3")
	signature := hex.EncodeToString(hmacSHA256(key, stringToSign))

	return fmt.Sprintf("AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		c.config.AccessKey, scope, signedHeaders, signature)
}

// signingKey derives the SigV4 signing key for one day, region and service.
func signingKey(secret, dateStamp, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), dateStamp)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, "aws4_request")
}

// escapePath URI-encodes every path segment per RFC 3986, keeping '/'.
func escapePath(p string) string {
	const unreserved = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_.~/"
	var b strings.Builder
	for i := 0; i < len(p); i++ {
		ch := p[i]
		if strings.IndexByte(unreserved, ch) >= 0 {
			b.WriteByte(ch)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", ch)
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
	h := sha256.Sum256(data)
	return h[:]
}
