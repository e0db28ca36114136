package store

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/cuemby/glacier/pkg/regerr"
)

// S3Client is the minimal slice of an S3-compatible object API the
// driver needs. It is deliberately narrow and injectable — glacier
// itself vendors no AWS/S3 SDK — so a deployment links in whichever
// client satisfies it (aws-sdk-go-v2's s3.Client can back all three
// operations through a thin adapter) without the
// dispatcher ever depending on that SDK directly, mirroring how
// pkg/store.Dispatcher only ever depends on the Driver interface rather
// than on any one driver's transport.
type S3Client interface {
	// GetObject opens a read stream for bucket/key. size is -1 when the
	// client cannot report it without a HEAD round trip.
	GetObject(ctx context.Context, bucket, key string) (body io.ReadCloser, size int64, err error)
	// PutObject streams body to bucket/key and reports the number of
	// bytes actually accepted.
	PutObject(ctx context.Context, bucket, key string, body io.Reader) (bytesWritten int64, err error)
	// DeleteObject removes bucket/key. Buckets configured read-only at
	// the client layer should return regerr.StoreDeleteNotSupported.
	DeleteObject(ctx context.Context, bucket, key string) error
}

// S3Driver backs the "s3://" scheme by delegating to an S3Client. Like
// FilesystemDriver it computes the MD5 over bytes actually written
// rather than trusting a caller-declared checksum, since a multipart
// upload's own ETag is not always a plain MD5 (the S3 API agrees with
// a plain MD5 only for single-part uploads).
type S3Driver struct {
	client S3Client
	bucket string
}

// NewS3Driver builds a driver that writes every object into bucket via
// client.
func NewS3Driver(client S3Client, bucket string) *S3Driver {
	return &S3Driver{client: client, bucket: bucket}
}

// Get parses location as "s3://<bucket>/<key>" and streams it from the
// client.
func (d *S3Driver) Get(ctx context.Context, location string) (io.ReadCloser, int64, error) {
	bucket, key, err := s3LocationParts(location)
	if err != nil {
		return nil, 0, err
	}
	body, size, err := d.client.GetObject(ctx, bucket, key)
	if err != nil {
		return nil, 0, regerr.Wrap(regerr.ClientConnectionError, "fetch s3 object", err)
	}
	return body, size, nil
}

// Put streams body to a fresh key under the driver's bucket, hashing as
// it goes via io.TeeReader so the body is never buffered whole.
func (d *S3Driver) Put(ctx context.Context, imageID string, body io.Reader, _ int64) (string, int64, string, error) {
	if imageID == "" {
		imageID = uuid.NewString()
	}
	hash := md5.New()
	written, err := d.client.PutObject(ctx, d.bucket, imageID, io.TeeReader(body, hash))
	if err != nil {
		return "", 0, "", regerr.Wrap(regerr.ClientConnectionError, "write s3 object", err)
	}
	location := fmt.Sprintf("s3://%s/%s", d.bucket, imageID)
	return location, written, hex.EncodeToString(hash.Sum(nil)), nil
}

// Delete removes the object named by location.
func (d *S3Driver) Delete(ctx context.Context, location string) error {
	bucket, key, err := s3LocationParts(location)
	if err != nil {
		return err
	}
	if err := d.client.DeleteObject(ctx, bucket, key); err != nil {
		if regerr.Is(err, regerr.StoreDeleteNotSupported) {
			return err
		}
		return regerr.Wrap(regerr.ClientConnectionError, "delete s3 object", err)
	}
	return nil
}

func s3LocationParts(location string) (bucket, key string, err error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", "", fmt.Errorf("parse location: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("s3 driver cannot handle scheme %q", u.Scheme)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}
