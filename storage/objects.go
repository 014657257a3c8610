package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// maxObjectReadBytes bounds reads of stored artifacts back into memory.
const maxObjectReadBytes int64 = 64 * 1024 * 1024

// ObjectStore keeps original uploads and per-page OCR artifacts in
// MinIO/S3. Keys follow widgets/<widget>/documents/<doc>/original/<name>
// and widgets/<widget>/documents/<doc>/pages/<n>.md, so a document's
// artifacts can be listed, re-read for retry, and removed by prefix.
type ObjectStore struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// NewObjectStoreFromEnv initialises the store using MINIO_* environment
// variables. Returns (nil, nil) when MinIO is not configured; callers
// treat a nil store as "blob persistence disabled".
func NewObjectStoreFromEnv() (*ObjectStore, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, nil
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: create bucket: %w", err)
		}
	}

	publicURL := strings.TrimSpace(os.Getenv("MINIO_PUBLIC_URL"))
	if publicURL == "" {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	return &ObjectStore{
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimSuffix(publicURL, "/"),
	}, nil
}

// Enabled reports whether blob persistence is configured.
func (s *ObjectStore) Enabled() bool {
	return s != nil && s.client != nil
}

func documentPrefix(widgetID, documentID uint64) string {
	return fmt.Sprintf("widgets/%d/documents/%d", widgetID, documentID)
}

func widgetPrefix(widgetID uint64) string {
	return fmt.Sprintf("widgets/%d", widgetID)
}

// SaveOriginal stores the raw uploaded bytes and returns the object key.
func (s *ObjectStore) SaveOriginal(ctx context.Context, widgetID, documentID uint64, filename, contentType string, data []byte) (string, error) {
	if !s.Enabled() {
		return "", errors.New("storage: object store not configured")
	}

	name := sanitizeFileName(filename)
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	key := path.Join(documentPrefix(widgetID, documentID), "original", name)

	uploadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	reader := bytes.NewReader(data)
	if _, err := s.client.PutObject(uploadCtx, s.bucket, key, reader, int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return "", fmt.Errorf("storage: upload original: %w", err)
	}
	return key, nil
}

// SavePageText stores a single OCR page as markdown. Pages are numbered
// from 1 and zero-padded so lexical listing order matches page order.
func (s *ObjectStore) SavePageText(ctx context.Context, widgetID, documentID uint64, page int, markdown string) (string, error) {
	if !s.Enabled() {
		return "", errors.New("storage: object store not configured")
	}

	key := path.Join(documentPrefix(widgetID, documentID), "pages", fmt.Sprintf("%04d.md", page))

	uploadCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	reader := strings.NewReader(markdown)
	if _, err := s.client.PutObject(uploadCtx, s.bucket, key, reader, int64(len(markdown)), minio.PutObjectOptions{
		ContentType: "text/markdown",
	}); err != nil {
		return "", fmt.Errorf("storage: upload page %d: %w", page, err)
	}
	return key, nil
}

// ReadObject reads a stored artifact back into memory.
func (s *ObjectStore) ReadObject(ctx context.Context, key string) ([]byte, error) {
	if !s.Enabled() {
		return nil, errors.New("storage: object store not configured")
	}

	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	obj, err := s.client.GetObject(readCtx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: get object %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, maxObjectReadBytes))
	if err != nil {
		return nil, fmt.Errorf("storage: read object %s: %w", key, err)
	}
	return data, nil
}

// PageObject is one stored page artifact read back from the blob store.
type PageObject struct {
	Page int
	Text string
}

// ReadPageTexts returns a document's stored page artifacts in page order.
// An empty slice means no pages were persisted for the document.
func (s *ObjectStore) ReadPageTexts(ctx context.Context, widgetID, documentID uint64) ([]PageObject, error) {
	if !s.Enabled() {
		return nil, errors.New("storage: object store not configured")
	}

	prefix := path.Join(documentPrefix(widgetID, documentID), "pages") + "/"
	listCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var keys []string
	for info := range s.client.ListObjects(listCtx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("storage: list pages: %w", info.Err)
		}
		keys = append(keys, info.Key)
	}
	sort.Strings(keys)

	pages := make([]PageObject, 0, len(keys))
	for _, key := range keys {
		data, err := s.ReadObject(ctx, key)
		if err != nil {
			return nil, err
		}
		pages = append(pages, PageObject{Page: pageNumberFromKey(key), Text: string(data)})
	}
	return pages, nil
}

func pageNumberFromKey(key string) int {
	base := strings.TrimSuffix(path.Base(key), ".md")
	n, err := strconv.Atoi(base)
	if err != nil {
		return 0
	}
	return n
}

// RemoveDocument deletes every artifact stored under a document.
func (s *ObjectStore) RemoveDocument(ctx context.Context, widgetID, documentID uint64) error {
	return s.removePrefix(ctx, documentPrefix(widgetID, documentID)+"/")
}

// RemoveWidget deletes every artifact stored under a widget.
func (s *ObjectStore) RemoveWidget(ctx context.Context, widgetID uint64) error {
	return s.removePrefix(ctx, widgetPrefix(widgetID)+"/")
}

func (s *ObjectStore) removePrefix(ctx context.Context, prefix string) error {
	if !s.Enabled() {
		return nil
	}

	removeCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	var firstErr error
	for info := range s.client.ListObjects(removeCtx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("storage: list %s: %w", prefix, info.Err)
			}
			continue
		}
		if err := s.client.RemoveObject(removeCtx, s.bucket, info.Key, minio.RemoveObjectOptions{}); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("storage: remove %s: %w", info.Key, err)
		}
	}
	return firstErr
}

// PresignedURL returns a temporary download URL for a stored artifact.
func (s *ObjectStore) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	if strings.TrimSpace(key) == "" {
		return "", nil
	}
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}

	presignCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url, err := s.client.PresignedGetObject(presignCtx, s.bucket, key, expiry, nil)
	if err != nil {
		return "", err
	}
	return url.String(), nil
}

func sanitizeFileName(name string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if base == "" || base == "." || base == "/" {
		return "upload.bin"
	}
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "upload.bin"
	}
	return out
}
