package publish

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"
)

const defaultObjectPrefix = "uploads"

type objectWriter interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

// ObjectStore uploads artifacts to a bucket. URLs are built from BaseURL when
// the bucket is publicly readable, otherwise they are presigned.
type ObjectStore struct {
	fs         afero.Fs
	storage    objectWriter
	prefix     string
	baseURL    string
	presignTTL time.Duration
}

type ObjectStoreConfig struct {
	Prefix     string
	BaseURL    string
	PresignTTL time.Duration
}

func NewObjectStore(fs afero.Fs, storage objectWriter, cfg ObjectStoreConfig) (*ObjectStore, error) {
	if fs == nil {
		return nil, errors.New("staging filesystem is required")
	}
	if storage == nil {
		return nil, errors.New("object storage is required")
	}

	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), "/")
	if prefix == "" {
		prefix = defaultObjectPrefix
	}
	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &ObjectStore{
		fs:         fs,
		storage:    storage,
		prefix:     prefix,
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		presignTTL: ttl,
	}, nil
}

func (o *ObjectStore) Publish(ctx context.Context, a Artifacts) (URLs, error) {
	original, err := o.upload(ctx, a.OriginalPath, a.OriginalName)
	if err != nil {
		return URLs{}, err
	}
	processed, err := o.upload(ctx, a.ProcessedPath, a.ProcessedName)
	if err != nil {
		return URLs{}, err
	}
	return URLs{Original: original, Processed: processed}, nil
}

func (o *ObjectStore) upload(ctx context.Context, src, name string) (string, error) {
	data, err := afero.ReadFile(o.fs, src)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}

	key := path.Join(o.prefix, name)
	if err := o.storage.WriteObject(ctx, key, data, mimetype.Detect(data).String()); err != nil {
		return "", err
	}

	if o.baseURL != "" {
		return o.baseURL + "/" + key, nil
	}
	u, err := o.storage.PresignedGetURL(ctx, key, o.presignTTL)
	if err != nil {
		return "", err
	}
	return u, nil
}
