// Package s3 provides an object store backed by Amazon S3 or any
// S3-compatible service (minio, ceph, ...).
//
// Conditional writes are mapped onto the standard HTTP precondition
// headers (If-Match, If-None-Match, ...), which recent S3
// implementations honor for PutObject and CompleteMultipartUpload.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	awss3 "github.com/aws/aws-sdk-go/service/s3"

	"github.com/theduke/objstore"
)

// Kind identifier of this backend.
const Kind = "s3"

// Part size used for streaming multipart uploads.
const multipartChunkSize = 8 * 1024 * 1024

// Key probed by Healthcheck. A 404 for this key still proves the
// bucket is reachable and authorization works.
const healthcheckKey = "__healthcheck/i-do-not-exist"

// Store is an S3-backed objstore.Store.
type Store struct {
	client *awss3.S3
	config *Config
	log    *slog.Logger
}

// New creates a store for the given endpoint configuration.
func New(cfg *Config, log *slog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid s3 config: %w", err)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	awsCfg := aws.Config{
		Region:           aws.String(cfg.Region),
		Endpoint:         aws.String(cfg.endpointURL()),
		S3ForcePathStyle: aws.Bool(cfg.Style == StylePath),
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken)
	}

	sess, err := session.NewSession(&awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &Store{
		client: awss3.New(sess),
		config: cfg,
		log:    log,
	}, nil
}

func (s *Store) Kind() string {
	return Kind
}

func (s *Store) SafeURI() string {
	return s.config.SafeURI()
}

// buildKey prepends the configured prefix to a caller key.
func (s *Store) buildKey(key string) string {
	if s.config.Prefix == "" {
		return key
	}
	return s.config.Prefix + "/" + key
}

// pruneKey strips the configured prefix from a backend key. Inverse of
// buildKey for keys the store created itself.
func (s *Store) pruneKey(key string) string {
	if s.config.Prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, s.config.Prefix+"/")
}

// isNotFound reports whether an SDK error denotes a missing object.
func isNotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		if reqErr.StatusCode() == http.StatusNotFound {
			return true
		}
		switch reqErr.Code() {
		case awss3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

// isPreconditionFailure reports whether an SDK error denotes a failed
// conditional write.
func isPreconditionFailure(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode() == http.StatusPreconditionFailed ||
			reqErr.Code() == "PreconditionFailed"
	}
	return false
}

func (s *Store) wrapWriteError(key string, err error) error {
	if isPreconditionFailure(err) {
		return objstore.PreconditionFailedf("s3 write %q rejected: %v", key, err)
	}
	return fmt.Errorf("s3 write %q failed: %w", key, err)
}

// conditionHeaders renders write conditions as HTTP precondition
// headers. Tag lists join as comma-separated quoted etags.
func conditionHeaders(c *objstore.Conditions) http.Header {
	headers := http.Header{}
	if c == nil {
		return headers
	}
	if value := renderMatch(c.IfMatch); value != "" {
		headers.Set("If-Match", value)
	}
	if value := renderMatch(c.IfNoneMatch); value != "" {
		headers.Set("If-None-Match", value)
	}
	if !c.IfModifiedSince.IsZero() {
		headers.Set("If-Modified-Since", c.IfModifiedSince.UTC().Format(http.TimeFormat))
	}
	if !c.IfUnmodifiedSince.IsZero() {
		headers.Set("If-Unmodified-Since", c.IfUnmodifiedSince.UTC().Format(http.TimeFormat))
	}
	return headers
}

func renderMatch(m *objstore.MatchValue) string {
	if m == nil {
		return ""
	}
	if m.Any {
		return "*"
	}
	quoted := make([]string, 0, len(m.Tags))
	for _, tag := range m.Tags {
		if !strings.HasPrefix(tag, `"`) {
			tag = `"` + tag + `"`
		}
		quoted = append(quoted, tag)
	}
	return strings.Join(quoted, ", ")
}

func applyHeaders(target http.Header, headers http.Header) {
	for name, values := range headers {
		for _, value := range values {
			target.Add(name, value)
		}
	}
}

func (s *Store) Healthcheck(ctx context.Context) error {
	_, err := s.client.HeadObjectWithContext(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.buildKey(healthcheckKey)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("s3 healthcheck failed for bucket %q: %w", s.config.Bucket, err)
	}
	return nil
}

func metaFromHead(key string, etag *string, size *int64, lastModified *time.Time, contentType *string) *objstore.ObjectMeta {
	meta := objstore.NewObjectMeta(key)
	if etag != nil {
		meta.ETag = strings.Trim(*etag, `"`)
	}
	if size != nil {
		meta.Size = *size
	}
	if lastModified != nil {
		meta.UpdatedAt = *lastModified
	}
	if contentType != nil {
		meta.MimeType = *contentType
	}
	return meta
}

func (s *Store) Meta(ctx context.Context, key string) (*objstore.ObjectMeta, error) {
	out, err := s.client.HeadObjectWithContext(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.buildKey(key)),
	})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to head object %q: %w", key, err)
	}
	return metaFromHead(key, out.ETag, out.ContentLength, out.LastModified, out.ContentType), nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, _, err := s.getWithMeta(ctx, key, false)
	return data, err
}

func (s *Store) GetWithMeta(ctx context.Context, key string) ([]byte, *objstore.ObjectMeta, error) {
	return s.getWithMeta(ctx, key, true)
}

func (s *Store) getWithMeta(ctx context.Context, key string, wantMeta bool) ([]byte, *objstore.ObjectMeta, error) {
	out, err := s.client.GetObjectWithContext(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.buildKey(key)),
	})
	if isNotFound(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get object %q: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read object body for %q: %w", key, err)
	}
	if data == nil {
		data = []byte{}
	}

	var meta *objstore.ObjectMeta
	if wantMeta {
		meta = metaFromHead(key, out.ETag, out.ContentLength, out.LastModified, out.ContentType)
	}
	return data, meta, nil
}

func (s *Store) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObjectWithContext(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.buildKey(key)),
	})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get object %q: %w", key, err)
	}
	return out.Body, nil
}

func (s *Store) GetStreamWithMeta(ctx context.Context, key string) (*objstore.ObjectMeta, io.ReadCloser, error) {
	out, err := s.client.GetObjectWithContext(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.buildKey(key)),
	})
	if isNotFound(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get object %q: %w", key, err)
	}
	meta := metaFromHead(key, out.ETag, out.ContentLength, out.LastModified, out.ContentType)
	return meta, out.Body, nil
}

func (s *Store) GenerateDownloadURL(ctx context.Context, args objstore.DownloadURLArgs) (string, error) {
	input := &awss3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.buildKey(args.Key)),
	}
	if args.ResponseContentType != "" {
		input.ResponseContentType = aws.String(args.ResponseContentType)
	}
	if args.ResponseContentDisposition != "" {
		input.ResponseContentDisposition = aws.String(args.ResponseContentDisposition)
	}

	validFor := args.ValidFor
	if validFor <= 0 {
		validFor = 15 * time.Minute
	}

	req, _ := s.client.GetObjectRequest(input)
	req.SetContext(ctx)
	signed, err := req.Presign(validFor)
	if err != nil {
		return "", fmt.Errorf("failed to presign download URL for %q: %w", args.Key, err)
	}
	return signed, nil
}

func (s *Store) SendPut(ctx context.Context, put *objstore.Put) (*objstore.ObjectMeta, error) {
	conditions := put.Conditions
	conditions.Sanitize()
	headers := conditionHeaders(&conditions)

	if put.Data.IsStream() {
		return s.putMultipart(ctx, put, headers)
	}

	data, _ := put.Data.Bytes()
	input := &awss3.PutObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.buildKey(put.Key)),
		Body:   bytes.NewReader(data),
	}
	if put.MimeType != "" {
		input.ContentType = aws.String(put.MimeType)
	}

	req, out := s.client.PutObjectRequest(input)
	req.SetContext(ctx)
	applyHeaders(req.HTTPRequest.Header, headers)
	if err := req.Send(); err != nil {
		return nil, s.wrapWriteError(put.Key, err)
	}

	s.log.Debug("stored object",
		slog.String("bucket", s.config.Bucket),
		slog.String("key", put.Key),
		slog.Int("size", len(data)))

	meta := objstore.NewObjectMeta(put.Key)
	meta.Size = int64(len(data))
	meta.MimeType = put.MimeType
	if out.ETag != nil {
		meta.ETag = strings.Trim(*out.ETag, `"`)
	}
	return meta, nil
}

// putMultipart streams a payload of unknown size in fixed-size parts.
// The final part is uploaded even when empty so zero-length streams
// still produce a valid upload.
func (s *Store) putMultipart(ctx context.Context, put *objstore.Put, headers http.Header) (*objstore.ObjectMeta, error) {
	bucket := aws.String(s.config.Bucket)
	key := aws.String(s.buildKey(put.Key))

	createInput := &awss3.CreateMultipartUploadInput{
		Bucket: bucket,
		Key:    key,
	}
	if put.MimeType != "" {
		createInput.ContentType = aws.String(put.MimeType)
	}
	created, err := s.client.CreateMultipartUploadWithContext(ctx, createInput)
	if err != nil {
		return nil, fmt.Errorf("failed to start multipart upload for %q: %w", put.Key, err)
	}
	uploadID := created.UploadId

	abort := func() {
		_, abortErr := s.client.AbortMultipartUploadWithContext(ctx, &awss3.AbortMultipartUploadInput{
			Bucket:   bucket,
			Key:      key,
			UploadId: uploadID,
		})
		if abortErr != nil {
			s.log.Warn("failed to abort multipart upload",
				slog.String("key", put.Key),
				"err", abortErr)
		}
	}

	reader := put.Data.Reader()
	buf := make([]byte, multipartChunkSize)
	var parts []*awss3.CompletedPart
	partNumber := int64(1)

	for {
		n, readErr := io.ReadFull(reader, buf)
		if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
			abort()
			return nil, fmt.Errorf("failed to read put payload for %q: %w", put.Key, readErr)
		}
		last := readErr != nil

		// Every upload needs at least one part, even for empty input.
		if n > 0 || len(parts) == 0 {
			part, err := s.client.UploadPartWithContext(ctx, &awss3.UploadPartInput{
				Bucket:     bucket,
				Key:        key,
				UploadId:   uploadID,
				PartNumber: aws.Int64(partNumber),
				Body:       bytes.NewReader(buf[:n]),
			})
			if err != nil {
				abort()
				return nil, fmt.Errorf("failed to upload part %d for %q: %w", partNumber, put.Key, err)
			}
			parts = append(parts, &awss3.CompletedPart{
				ETag:       part.ETag,
				PartNumber: aws.Int64(partNumber),
			})
			partNumber++
		}
		if last {
			break
		}
	}

	completeInput := &awss3.CompleteMultipartUploadInput{
		Bucket:   bucket,
		Key:      key,
		UploadId: uploadID,
		MultipartUpload: &awss3.CompletedMultipartUpload{
			Parts: parts,
		},
	}
	req, _ := s.client.CompleteMultipartUploadRequest(completeInput)
	req.SetContext(ctx)
	applyHeaders(req.HTTPRequest.Header, headers)
	if err := req.Send(); err != nil {
		abort()
		return nil, s.wrapWriteError(put.Key, err)
	}

	s.log.Debug("stored object via multipart upload",
		slog.String("bucket", s.config.Bucket),
		slog.String("key", put.Key),
		slog.Int64("parts", partNumber-1))

	// The multipart etag is a hash-of-hashes; re-head for the
	// authoritative metadata.
	meta, err := s.Meta(ctx, put.Key)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("object %q missing after multipart upload", put.Key)
	}
	meta.MimeType = put.MimeType
	return meta, nil
}

func (s *Store) SendCopy(ctx context.Context, copy *objstore.Copy) (*objstore.ObjectMeta, error) {
	conditions := copy.Conditions
	conditions.Sanitize()
	headers := conditionHeaders(&conditions)

	source := s.config.Bucket + "/" + s.buildKey(copy.SourceKey)
	input := &awss3.CopyObjectInput{
		Bucket:     aws.String(s.config.Bucket),
		Key:        aws.String(s.buildKey(copy.TargetKey)),
		CopySource: aws.String(url.PathEscape(source)),
	}

	req, _ := s.client.CopyObjectRequest(input)
	req.SetContext(ctx)
	applyHeaders(req.HTTPRequest.Header, headers)
	if err := req.Send(); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("copy source %q: %w", copy.SourceKey, objstore.ErrNotFound)
		}
		return nil, s.wrapWriteError(copy.TargetKey, err)
	}

	meta, err := s.Meta(ctx, copy.TargetKey)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("object %q missing after copy", copy.TargetKey)
	}
	return meta, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.buildKey(key)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete object %q: %w", key, err)
	}
	return nil
}

// DeletePrefix deletes objects one by one. Bulk delete is deliberately
// avoided: several S3-compatible services reject or mishandle the
// batch endpoint.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	args := objstore.ListArgs{Prefix: prefix}
	for {
		page, err := s.ListKeys(ctx, args)
		if err != nil {
			return err
		}
		for _, key := range page.Items {
			if err := s.Delete(ctx, key); err != nil {
				return err
			}
		}
		if page.NextCursor == "" || len(page.Items) == 0 {
			return nil
		}
		// Deleting invalidates the continuation token; restart from
		// the beginning of the remaining listing.
		args.Cursor = ""
	}
}

func (s *Store) List(ctx context.Context, args objstore.ListArgs) (*objstore.Page, error) {
	input := s.listInput(args)
	out, err := s.client.ListObjectsV2WithContext(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}

	page := &objstore.Page{}
	for _, obj := range out.Contents {
		key, err := decodeListKey(obj.Key)
		if err != nil {
			return nil, err
		}
		meta := metaFromHead(s.pruneKey(key), obj.ETag, obj.Size, obj.LastModified, nil)
		page.Items = append(page.Items, *meta)
	}
	for _, common := range out.CommonPrefixes {
		prefix, err := decodeListKey(common.Prefix)
		if err != nil {
			return nil, err
		}
		page.Prefixes = append(page.Prefixes, s.pruneKey(prefix))
	}
	if out.NextContinuationToken != nil {
		page.NextCursor = *out.NextContinuationToken
	}
	return page, nil
}

func (s *Store) ListKeys(ctx context.Context, args objstore.ListArgs) (*objstore.KeyPage, error) {
	page, err := s.List(ctx, args)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(page.Items))
	for _, meta := range page.Items {
		keys = append(keys, meta.Key)
	}
	return &objstore.KeyPage{Items: keys, NextCursor: page.NextCursor}, nil
}

func (s *Store) listInput(args objstore.ListArgs) *awss3.ListObjectsV2Input {
	input := &awss3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		// URL-encode listing keys so control characters in key names
		// survive the XML response, then decode on our side.
		EncodingType: aws.String(awss3.EncodingTypeUrl),
	}
	if prefix := s.buildKey(args.Prefix); args.Prefix != "" || s.config.Prefix != "" {
		if args.Prefix == "" {
			prefix = s.config.Prefix + "/"
		}
		input.Prefix = aws.String(prefix)
	}
	if args.Limit > 0 {
		input.MaxKeys = aws.Int64(args.Limit)
	}
	if args.Cursor != "" {
		input.ContinuationToken = aws.String(args.Cursor)
	}
	if args.Delimiter != "" {
		input.Delimiter = aws.String(args.Delimiter)
	}
	return input
}

func decodeListKey(raw *string) (string, error) {
	if raw == nil {
		return "", nil
	}
	key, err := url.QueryUnescape(*raw)
	if err != nil {
		return "", fmt.Errorf("failed to decode listed key %q: %w", *raw, err)
	}
	return key, nil
}

var _ objstore.Store = (*Store)(nil)
