// Package objectstore archives finalized media to S3-compatible storage.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config contains the information required to talk to an object store.
type Config struct {
	Provider  string
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Client is the upload capability the reassembly core needs.
type Client interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string, metadata map[string]string) error
	Close() error
}

// New creates an object store client based on the given configuration.
func New(cfg Config) (Client, error) {
	switch strings.ToLower(cfg.Provider) {
	case "minio", "s3":
		return newMinioClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported object store provider: %s", cfg.Provider)
	}
}

type minioClient struct {
	client *minio.Client
	bucket string
}

func newMinioClient(cfg Config) (Client, error) {
	cl, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	return &minioClient{client: cl, bucket: cfg.Bucket}, nil
}

func (m *minioClient) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string, metadata map[string]string) error {
	opts := minio.PutObjectOptions{ContentType: contentType, UserMetadata: metadata}
	_, err := m.client.PutObject(ctx, m.bucket, key, reader, size, opts)
	return err
}

func (m *minioClient) Close() error {
	return nil
}

// Archive names and uploads reassembled media
type Archive struct {
	client Client
}

func NewArchive(client Client) *Archive {
	return &Archive{client: client}
}

// PutAudio uploads a WAV file and returns its object key
func (a *Archive) PutAudio(ctx context.Context, sensorID, filename string, wav []byte) (string, error) {
	key := fmt.Sprintf("audio/%s/%s", sensorID, filename)
	err := a.client.Put(ctx, key, bytes.NewReader(wav), int64(len(wav)), "audio/wav", map[string]string{
		"sensor-id": sensorID,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return key, nil
}

// PutImage uploads a decoded JPEG frame and returns its object key
func (a *Archive) PutImage(ctx context.Context, deviceID string, imageNumber int, capturedMillis int64, jpeg []byte) (string, error) {
	key := fmt.Sprintf("images/%s/%d-%d.jpg", deviceID, capturedMillis, imageNumber)
	err := a.client.Put(ctx, key, bytes.NewReader(jpeg), int64(len(jpeg)), "image/jpeg", map[string]string{
		"device-id":    deviceID,
		"image-number": fmt.Sprint(imageNumber),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return key, nil
}
