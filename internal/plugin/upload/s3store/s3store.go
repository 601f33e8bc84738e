// Package s3store uploads note images to an S3 bucket and returns their
// public URLs.
package s3store

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/chirino/notesync/internal/config"
	"github.com/chirino/notesync/internal/model"
	registrystore "github.com/chirino/notesync/internal/registry/store"
	registryupload "github.com/chirino/notesync/internal/registry/upload"
	"github.com/chirino/notesync/internal/tempfiles"
	"github.com/google/uuid"
)

func init() {
	registryupload.Register(registryupload.Plugin{
		Name:   "s3",
		Loader: load,
	})
}

func load(ctx context.Context) (registryupload.Uploader, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3store: S3_BUCKET is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
	)
	if err != nil {
		return nil, fmt.Errorf("s3store: load AWS config: %w", err)
	}
	usePathStyle := cfg.S3UsePathStyle
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
	})
	return &S3Uploader{
		client:           client,
		bucket:           cfg.S3Bucket,
		prefix:           strings.Trim(strings.TrimSpace(cfg.S3Prefix), "/"),
		externalEndpoint: strings.TrimSpace(cfg.S3ExternalEndpoint),
		tempDir:          cfg.ResolvedTempDir(),
	}, nil
}

type S3Uploader struct {
	client           *s3.Client
	bucket           string
	prefix           string
	externalEndpoint string
	tempDir          string
}

var _ registryupload.Uploader = (*S3Uploader)(nil)

// s3Key returns the actual S3 object key for a storage key, applying the
// prefix if set. The prefix is applied at access time and never persisted.
func (s *S3Uploader) s3Key(storageKey string) string {
	if s.prefix != "" {
		return s.prefix + "/" + storageKey
	}
	return storageKey
}

// publicURL maps an object key to the URL that gets written back into the
// note. With an external endpoint configured (minio, CDN) the URL points
// there; otherwise the virtual-hosted S3 address is used.
func (s *S3Uploader) publicURL(s3Key string) (string, error) {
	if s.externalEndpoint == "" {
		return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", s.bucket, s3Key), nil
	}
	external, err := url.Parse(s.externalEndpoint)
	if err != nil {
		return "", fmt.Errorf("s3store: parse external endpoint: %w", err)
	}
	external.Path = strings.TrimRight(external.Path, "/") + "/" + s.bucket + "/" + s3Key
	return external.String(), nil
}

func (s *S3Uploader) Upload(ctx context.Context, payload registryupload.Payload) (string, error) {
	body, size, contentType, cleanup, err := s.openPayload(payload)
	if err != nil {
		return "", err
	}
	defer cleanup()

	storageKey := uuid.New().String()
	if ext := extensionFor(contentType, payload.LocalPath); ext != "" {
		storageKey += ext
	}
	s3Key := s.s3Key(storageKey)

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &s3Key,
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   &contentType,
	}, func(o *s3.Options) {
		o.APIOptions = append(o.APIOptions, v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware)
	})
	if err != nil {
		return "", &registrystore.UploadError{Provider: "s3", RawResponse: err.Error(), Err: err}
	}

	return s.publicURL(s3Key)
}

// openPayload resolves the payload to a seekable reader. Local files are
// opened directly; base64 payloads are decoded to a temp file first so the
// SDK can compute the content length.
func (s *S3Uploader) openPayload(payload registryupload.Payload) (io.ReadSeeker, int64, string, func(), error) {
	noop := func() {}

	if payload.LocalPath != "" {
		path := model.LocalImagePath(payload.LocalPath)
		f, err := os.Open(path)
		if err != nil {
			return nil, 0, "", noop, &registrystore.TransientIOError{Op: "open-image", Path: path, Err: err}
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, "", noop, &registrystore.TransientIOError{Op: "stat-image", Path: path, Err: err}
		}
		contentType := payload.ContentType
		if contentType == "" {
			contentType = contentTypeFor(path)
		}
		return f, info.Size(), contentType, func() { f.Close() }, nil
	}

	if payload.Base64Data == "" {
		return nil, 0, "", noop, fmt.Errorf("s3store: payload has neither a local path nor inline data")
	}

	tmp, err := tempfiles.Create(s.tempDir, "notesync-s3-upload-*")
	if err != nil {
		return nil, 0, "", noop, &registrystore.TransientIOError{Op: "create-temp", Path: s.tempDir, Err: err}
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}

	decoder := base64.NewDecoder(base64.StdEncoding, strings.NewReader(payload.Base64Data))
	size, err := io.Copy(tmp, decoder)
	if err != nil {
		cleanup()
		return nil, 0, "", noop, fmt.Errorf("s3store: decode inline image data: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, 0, "", noop, &registrystore.TransientIOError{Op: "rewind-temp", Path: tmp.Name(), Err: err}
	}

	contentType := payload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return tmp, size, contentType, cleanup, nil
}

func contentTypeFor(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func extensionFor(contentType, localPath string) string {
	if localPath != "" {
		if ext := filepath.Ext(model.LocalImagePath(localPath)); ext != "" {
			return ext
		}
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
