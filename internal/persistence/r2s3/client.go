// Package r2s3 uploads room archives to an S3 compatible bucket (Cloudflare R2
// by default) with SigV4 signed PUTs.
package r2s3

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
	"os"
	"path"
	"sort"
	"strings"
	"time"
)

type Config struct {
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	// Region defaults to "auto", which is what R2 expects.
	Region string
}

type Client struct {
	base       *url.URL
	bucket     string
	signer     signer
	httpClient *http.Client
	now        func() time.Time
}

func New(cfg Config) (*Client, error) {
	trim := strings.TrimSpace
	endpoint, bucket := trim(cfg.Endpoint), trim(cfg.Bucket)
	s := signer{keyID: trim(cfg.AccessKeyID), secret: trim(cfg.SecretAccessKey), region: trim(cfg.Region), service: "s3"}
	if s.region == "" {
		s.region = "auto"
	}
	if endpoint == "" || bucket == "" || s.keyID == "" || s.secret == "" {
		return nil, fmt.Errorf("r2s3: endpoint, bucket and both keys are required")
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	base, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("r2s3: endpoint: %w", err)
	}
	if base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("r2s3: endpoint %q is not an http(s) url", endpoint)
	}
	return &Client{
		base:       base,
		bucket:     bucket,
		signer:     s,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		now:        time.Now,
	}, nil
}

// PutFile uploads the file at localPath under key.
func (c *Client) PutFile(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("r2s3: %s is not a regular file", localPath)
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return c.put(ctx, key, object{
		body:  f,
		size:  info.Size(),
		hash:  hex.EncodeToString(h.Sum(nil)),
		ctype: contentType(localPath),
	})
}

// PutBytes uploads body under key.
func (c *Client) PutBytes(ctx context.Context, key string, body []byte, ctype string) error {
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	return c.put(ctx, key, object{body: bytes.NewReader(body), size: int64(len(body)), hash: sha256Hex(body), ctype: ctype})
}

type object struct {
	body  io.Reader
	size  int64
	hash  string
	ctype string
}

func (c *Client) put(ctx context.Context, key string, obj object) error {
	key = cleanKey(key)
	if key == "" {
		return fmt.Errorf("r2s3: empty object key")
	}
	u := *c.base
	u.RawPath = strings.TrimRight(c.base.EscapedPath(), "/") + "/" + url.PathEscape(c.bucket) + "/" + escapeKey(key)
	u.Path = strings.TrimRight(c.base.Path, "/") + "/" + c.bucket + "/" + key

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), obj.body)
	if err != nil {
		return err
	}
	req.ContentLength = obj.size
	req.Header.Set("Content-Type", obj.ctype)
	c.signer.sign(req, u.RawPath, obj.hash, c.now())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	return fmt.Errorf("r2s3: put %s: status %d: %s", key, resp.StatusCode, bytes.TrimSpace(msg))
}

// signer computes AWS SigV4 header signatures.
type signer struct {
	keyID   string
	secret  string
	region  string
	service string
}

// sign sets the x-amz headers and Authorization on req. Host, content type and
// every x-amz header take part in the signature.
func (s signer) sign(req *http.Request, canonicalURI, payloadHash string, now time.Time) {
	now = now.UTC()
	stamp := now.Format("20060102T150405Z")
	day := stamp[:8]
	req.Header.Set("X-Amz-Date", stamp)
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)

	headers := map[string]string{"host": req.URL.Host}
	for name, vals := range req.Header {
		lower := strings.ToLower(name)
		if lower == "content-type" || strings.HasPrefix(lower, "x-amz-") {
			headers[lower] = strings.TrimSpace(strings.Join(vals, ","))
		}
	}
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	var canon strings.Builder
	for _, name := range names {
		canon.WriteString(name + ":" + headers[name] + "\n")
	}
	signed := strings.Join(names, ";")

	request := strings.Join([]string{req.Method, canonicalURI, req.URL.RawQuery, canon.String(), signed, payloadHash}, "\n")
	scope := day + "/" + s.region + "/" + s.service + "/aws4_request"
	toSign := "AWS4-HMAC-SHA256\n" + stamp + "\n" + scope + "\n" + sha256Hex([]byte(request))

	key := []byte("AWS4" + s.secret)
	for _, part := range []string{day, s.region, s.service, "aws4_request"} {
		key = hmacSHA256(key, []byte(part))
	}
	sig := hex.EncodeToString(hmacSHA256(key, []byte(toSign)))
	req.Header.Set("Authorization", fmt.Sprintf("AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s", s.keyID, scope, signed, sig))
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".json":
		return "application/json"
	case ".zst":
		return "application/zstd"
	default:
		return "application/octet-stream"
	}
}

// cleanKey turns key into a bucket-relative slash path, or "" when it is
// empty or escapes the bucket root.
func cleanKey(key string) string {
	key = strings.Trim(strings.ReplaceAll(strings.TrimSpace(key), "\\", "/"), "/")
	if key == "" {
		return ""
	}
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean == "" || clean == "." {
		return ""
	}
	return clean
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	_, _ = h.Write(data)
	return h.Sum(nil)
}
