package blobstore

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"chunkflow.ai/internal/sim/tilepos"
)

const (
	sigV4Algorithm = "AWS4-HMAC-SHA256"
	sigV4Region    = "auto"
	sigV4Service   = "s3"

	emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

// ObjectStore keeps one object per tile in an S3-compatible bucket (R2,
// MinIO, S3) using path-style requests signed with SigV4.
type ObjectStore struct {
	endpoint        string
	bucket          string
	prefix          string
	accessKeyID     string
	secretAccessKey string
	httpClient      *http.Client
	now             func() time.Time
}

func OpenObjectStore(endpoint, bucket, prefix, accessKeyID, secretAccessKey string) (*ObjectStore, error) {
	endpoint = strings.TrimSpace(endpoint)
	bucket = strings.TrimSpace(bucket)
	accessKeyID = strings.TrimSpace(accessKeyID)
	secretAccessKey = strings.TrimSpace(secretAccessKey)

	if endpoint == "" || bucket == "" || accessKeyID == "" || secretAccessKey == "" {
		return nil, fmt.Errorf("blobstore: endpoint/bucket/access key/secret key are required")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("blobstore: parse endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("blobstore: invalid endpoint: %s", endpoint)
	}
	return &ObjectStore{
		endpoint:        strings.TrimRight(u.String(), "/"),
		bucket:          bucket,
		prefix:          normalizeObjectKey(prefix),
		accessKeyID:     accessKeyID,
		secretAccessKey: secretAccessKey,
		httpClient:      &http.Client{Timeout: time.Minute},
		now:             time.Now,
	}, nil
}

func (o *ObjectStore) key(pos tilepos.Pos) string {
	rx := tilepos.FloorDiv(int(pos.X), regionTiles)
	rz := tilepos.FloorDiv(int(pos.Z), regionTiles)
	k := fmt.Sprintf("r.%d.%d/t.%d.%d.bin", rx, rz, pos.X, pos.Z)
	if o.prefix != "" {
		k = o.prefix + "/" + k
	}
	return k
}

func (o *ObjectStore) Read(ctx context.Context, pos tilepos.Pos) ([]byte, error) {
	resp, err := o.do(ctx, http.MethodGet, o.key(pos), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError("get", o.key(pos), resp)
	}
	return io.ReadAll(resp.Body)
}

func (o *ObjectStore) Write(ctx context.Context, pos tilepos.Pos, data []byte) error {
	resp, err := o.do(ctx, http.MethodPut, o.key(pos), nil, data)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError("put", o.key(pos), resp)
	}
	return nil
}

func (o *ObjectStore) Delete(ctx context.Context, pos tilepos.Pos) error {
	resp, err := o.do(ctx, http.MethodDelete, o.key(pos), nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
		return nil
	}
	return statusError("delete", o.key(pos), resp)
}

type listBucketResult struct {
	Contents []struct {
		Key string `xml:"Key"`
	} `xml:"Contents"`
	IsTruncated           bool   `xml:"IsTruncated"`
	NextContinuationToken string `xml:"NextContinuationToken"`
}

// List pages through ListObjectsV2 under the configured prefix.
func (o *ObjectStore) List(ctx context.Context) ([]tilepos.Pos, error) {
	var out []tilepos.Pos
	token := ""
	for {
		q := url.Values{}
		q.Set("list-type", "2")
		if o.prefix != "" {
			q.Set("prefix", o.prefix+"/")
		}
		if token != "" {
			q.Set("continuation-token", token)
		}
		resp, err := o.do(ctx, http.MethodGet, "", q, nil)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			err := statusError("list", o.prefix, resp)
			resp.Body.Close()
			return nil, err
		}
		var page listBucketResult
		err = xml.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("blobstore: list decode: %w", err)
		}
		for _, c := range page.Contents {
			name := path.Base(c.Key)
			if !strings.HasPrefix(name, "t.") || !strings.HasSuffix(name, ".bin") {
				continue
			}
			var x, z int
			if _, err := fmt.Sscanf(strings.TrimSuffix(strings.TrimPrefix(name, "t."), ".bin"), "%d.%d", &x, &z); err != nil {
				continue
			}
			out = append(out, tilepos.New(x, z))
		}
		if !page.IsTruncated || page.NextContinuationToken == "" {
			break
		}
		token = page.NextContinuationToken
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

func (o *ObjectStore) Close() error {
	o.httpClient.CloseIdleConnections()
	return nil
}

func (o *ObjectStore) do(ctx context.Context, method, key string, query url.Values, body []byte) (*http.Response, error) {
	canonicalURI := "/" + o.bucket
	if key != "" {
		canonicalURI += "/" + escapePath(key)
	}
	requestURL := o.endpoint + canonicalURI
	canonicalQuery := canonicalQueryString(query)
	if canonicalQuery != "" {
		requestURL += "?" + canonicalQuery
	}

	var rd io.Reader
	payloadHash := emptySHA256
	if body != nil {
		rd = bytes.NewReader(body)
		payloadHash = sha256Hex(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, requestURL, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.ContentLength = int64(len(body))
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	o.sign(req, canonicalURI, canonicalQuery, payloadHash)
	return o.httpClient.Do(req)
}

func (o *ObjectStore) sign(req *http.Request, canonicalURI, canonicalQuery, payloadHash string) {
	now := o.now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")

	host := req.URL.Host
	req.Header.Set("Host", host)
	req.Header.Set("x-amz-content-sha256", payloadHash)
	req.Header.Set("x-amz-date", amzDate)

	signedHeaders := "host;x-amz-content-sha256;x-amz-date"
	canonicalHeaders := "host:" + host + "\n" +
		"x-amz-content-sha256:" + payloadHash + "\n" +
		"x-amz-date:" + amzDate + "\n"

	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI,
		canonicalQuery,
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	scope := strings.Join([]string{dateStamp, sigV4Region, sigV4Service, "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		sigV4Algorithm,
		amzDate,
		scope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveSigningKey(o.secretAccessKey, dateStamp, sigV4Region, sigV4Service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, []byte(stringToSign)))
	req.Header.Set("Authorization", fmt.Sprintf(
		"%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		sigV4Algorithm,
		o.accessKeyID,
		scope,
		signedHeaders,
		signature,
	))
}

func statusError(op, key string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	return fmt.Errorf("blobstore: object %s failed status=%d key=%s body=%s", op, resp.StatusCode, key, strings.TrimSpace(string(body)))
}

// canonicalQueryString sorts by key and escapes with %20 for spaces as SigV4
// requires.
func canonicalQueryString(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		vs := append([]string(nil), q[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, sigV4Escape(k)+"="+sigV4Escape(v))
		}
	}
	return strings.Join(parts, "&")
}

func sigV4Escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func normalizeObjectKey(key string) string {
	key = strings.TrimSpace(strings.ReplaceAll(key, "\\", "/"))
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return ""
	}
	clean := path.Clean("/" + key)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "." || strings.HasPrefix(clean, "../") {
		return ""
	}
	return clean
}

func escapePath(p string) string {
	if p == "" {
		return ""
	}
	parts := strings.Split(p, "/")
	for i := range parts {
		parts[i] = url.PathEscape(parts[i])
	}
	return strings.Join(parts, "/")
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func deriveSigningKey(secret, date, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), []byte(date))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte(service))
	return hmacSHA256(kService, []byte("aws4_request"))
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	_, _ = h.Write(data)
	return h.Sum(nil)
}
