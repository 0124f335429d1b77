// Package storage issues presigned design uploads and removes design objects.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/imrishuroy/casefab/internal/aws"
)

var contentTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
}

// ErrUnsupportedType is returned for extensions outside the design allow-list.
var ErrUnsupportedType = errors.New("unsupported design file type")

// Upload is a presigned PUT the client performs directly against the bucket.
type Upload struct {
	Key       string            `json:"key"`
	URL       string            `json:"upload_url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	ObjectURL string            `json:"image_url"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Designs manages design objects in a single bucket.
type Designs struct {
	s3        aws.S3API
	presign   aws.S3PresignAPI
	bucket    string
	publicURL string
	expiry    time.Duration
	nowFunc   func() time.Time
}

// NewDesigns returns a Designs store. publicURL prefixes object keys in the
// image URL handed to the vendor; empty means the virtual-hosted S3 URL.
func NewDesigns(client aws.S3API, presign aws.S3PresignAPI, bucket, publicURL string, expiry time.Duration) *Designs {
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	if publicURL == "" {
		publicURL = fmt.Sprintf("https://%s.s3.amazonaws.com", bucket)
	}
	return &Designs{
		s3:        client,
		presign:   presign,
		bucket:    bucket,
		publicURL: strings.TrimRight(publicURL, "/"),
		expiry:    expiry,
		nowFunc:   time.Now,
	}
}

// PresignUpload returns a PUT URL for a new design under the session's prefix.
// The object name is random so callers cannot overwrite each other.
func (d *Designs) PresignUpload(ctx context.Context, sessionID, ext string) (*Upload, error) {
	if sessionID == "" {
		return nil, errors.New("presign upload: session id is required")
	}
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	ct, ok := contentTypes[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, ext)
	}

	key := path.Join("designs", sessionID, uuid.NewString()+ext)
	req, err := d.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      sdkaws.String(d.bucket),
		Key:         sdkaws.String(key),
		ContentType: sdkaws.String(ct),
	}, s3.WithPresignExpires(d.expiry))
	if err != nil {
		return nil, fmt.Errorf("presign put object: %w", err)
	}

	headers := map[string]string{"Content-Type": ct}
	for k, v := range req.SignedHeader {
		if len(v) > 0 && !strings.EqualFold(k, "host") {
			headers[k] = v[0]
		}
	}
	return &Upload{
		Key:       key,
		URL:       req.URL,
		Method:    req.Method,
		Headers:   headers,
		ObjectURL: d.publicURL + "/" + key,
		ExpiresAt: d.nowFunc().UTC().Add(d.expiry),
	}, nil
}

// CleanupError lists the keys that could not be deleted.
type CleanupError struct {
	Failed map[string]error
}

func (e *CleanupError) Error() string {
	keys := e.Keys()
	return fmt.Sprintf("failed to delete %d object(s): %s", len(keys), strings.Join(keys, ", "))
}

// Keys returns the failed keys in sorted order.
func (e *CleanupError) Keys() []string {
	keys := make([]string, 0, len(e.Failed))
	for k := range e.Failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DeleteObjects removes every key it can. Deleted keys are returned even when
// some fail; failures come back as a *CleanupError.
func (d *Designs) DeleteObjects(ctx context.Context, keys []string) ([]string, error) {
	var deleted []string
	failed := map[string]error{}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if !strings.HasPrefix(k, "designs/") || strings.Contains(k, "..") {
			failed[k] = errors.New("key outside design prefix")
			continue
		}
		_, err := d.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: sdkaws.String(d.bucket),
			Key:    sdkaws.String(k),
		})
		if err != nil {
			failed[k] = err
			continue
		}
		deleted = append(deleted, k)
	}
	if len(failed) > 0 {
		return deleted, &CleanupError{Failed: failed}
	}
	return deleted, nil
}
