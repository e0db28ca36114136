package store

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3Client is an in-memory stand-in for an S3-compatible client:
// a hand-rolled fake over a narrow interface rather than a mocking
// library.
type fakeS3Client struct {
	objects map[string][]byte
}

func newFakeS3Client() *fakeS3Client {
	return &fakeS3Client{objects: make(map[string][]byte)}
}

func (f *fakeS3Client) key(bucket, key string) string { return bucket + "/" + key }

func (f *fakeS3Client) GetObject(_ context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	data, ok := f.objects[f.key(bucket, key)]
	if !ok {
		return nil, 0, assert.AnError
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (f *fakeS3Client) PutObject(_ context.Context, bucket, key string, body io.Reader) (int64, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return 0, err
	}
	f.objects[f.key(bucket, key)] = data
	return int64(len(data)), nil
}

func (f *fakeS3Client) DeleteObject(_ context.Context, bucket, key string) error {
	delete(f.objects, f.key(bucket, key))
	return nil
}

func TestS3DriverPutGetDelete(t *testing.T) {
	client := newFakeS3Client()
	drv := NewS3Driver(client, "glacier-images")

	location, written, checksum, err := drv.Put(context.Background(), "img-3", bytes.NewBufferString("s3 body"), 0)
	require.NoError(t, err)
	assert.EqualValues(t, len("s3 body"), written)
	assert.NotEmpty(t, checksum)
	assert.Equal(t, "s3://glacier-images/img-3", location)

	rc, size, err := drv.Get(context.Background(), location)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "s3 body", string(got))
	assert.EqualValues(t, len("s3 body"), size)

	require.NoError(t, drv.Delete(context.Background(), location))
	_, _, err = drv.Get(context.Background(), location)
	assert.Error(t, err)
}

func TestS3DriverRejectsOtherSchemes(t *testing.T) {
	drv := NewS3Driver(newFakeS3Client(), "bucket")
	_, _, err := drv.Get(context.Background(), "file:///tmp/x")
	assert.Error(t, err)
}
