package blob

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/barvault/internal/barerr"
)

// fakeS3 is an in-memory bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"file": fs,
		"s3":   newS3Store(newFakeS3(), "bucket", "bars/"),
	}
}

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put(ctx, "abc.bar", []byte("hello world")))

			got, err := s.Get(ctx, "abc.bar")
			require.NoError(t, err)
			assert.Equal(t, []byte("hello world"), got)

			size, err := s.Size(ctx, "abc.bar")
			require.NoError(t, err)
			assert.Equal(t, int64(11), size)

			require.NoError(t, s.Overwrite(ctx, "abc.bar", bytes.NewReader(make([]byte, 11)), 11))
			got, err = s.Get(ctx, "abc.bar")
			require.NoError(t, err)
			assert.Equal(t, make([]byte, 11), got)

			require.NoError(t, s.Delete(ctx, "abc.bar"))
			require.NoError(t, s.Delete(ctx, "abc.bar"), "delete is idempotent")

			_, err = s.Get(ctx, "abc.bar")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.Size(ctx, "abc.bar")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreRejectsUnsafeKeys(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		for _, key := range []string{"", "../etc/passwd", "a/b", ".hidden", "x\x00y"} {
			err := s.Put(ctx, key, []byte("x"))
			assert.ErrorIs(t, err, barerr.ErrInvalidInput, "%s %q", name, key)
		}
	}
}

func TestFileStoreOverwriteMissing(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	err = fs.Overwrite(context.Background(), "nope.bar", bytes.NewReader([]byte("x")), 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3StorePrefixesKeys(t *testing.T) {
	fake := newFakeS3()
	s := newS3Store(fake, "bucket", "bars/")
	require.NoError(t, s.Put(context.Background(), "k1", []byte("v")))
	_, ok := fake.objects["bars/k1"]
	assert.True(t, ok)
}
