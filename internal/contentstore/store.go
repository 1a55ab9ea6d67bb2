package contentstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	ErrStoreUnavailable = errors.New("content store unavailable")
	ErrNotFound         = errors.New("document not found")
)

// Store is content-addressed document storage over an S3-compatible backend.
// The address of a document is the hex sha256 of its bytes: identical bytes
// always yield the identical address, which makes duplicate uploads cheap to
// detect. Addresses are not a security boundary.
type Store struct {
	client *minio.Client
	bucket string
}

// Config holds object storage settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseTLS    bool
}

// New connects to the object store.
func New(cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// Address computes the content address for data without storing it.
func Address(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidAddress reports whether s has the shape of a content address.
func ValidAddress(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Store writes a document and returns its content address. Storing the same
// bytes twice is a no-op returning the same address.
func (s *Store) Store(ctx context.Context, data []byte) (string, error) {
	addr := Address(data)
	key := objectKey(addr)

	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return addr, nil
	}
	if resp := minio.ToErrorResponse(err); resp.Code != "NoSuchKey" && resp.StatusCode != 404 {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, key,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return addr, nil
}

// Fetch retrieves the document stored at addr.
func (s *Store) Fetch(ctx context.Context, addr string) ([]byte, error) {
	if !ValidAddress(addr) {
		return nil, fmt.Errorf("%w: malformed address %q", ErrNotFound, addr)
	}

	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(addr), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// Content addresses are verifiable; a mismatch means backend corruption.
	if Address(data) != addr {
		return nil, fmt.Errorf("stored content does not match address %s", addr)
	}
	return data, nil
}

func objectKey(addr string) string {
	// Two-level fanout keeps bucket listings manageable.
	return "docs/" + addr[:2] + "/" + addr
}
