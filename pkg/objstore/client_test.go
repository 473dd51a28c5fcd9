package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type fakeS3 struct {
	sync.Mutex
	objects map[string][]byte
	// pageSize forces pagination in ListObjectsV2 when > 0.
	pageSize int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) key(bucket, key string) string {
	return bucket + "/" + key
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.Lock()
	defer f.Unlock()
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[f.key(aws.ToString(params.Bucket), aws.ToString(params.Key))] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.Lock()
	defer f.Unlock()
	data, ok := f.objects[f.key(aws.ToString(params.Bucket), aws.ToString(params.Key))]
	if !ok {
		return nil, fmt.Errorf("no such key: %s", aws.ToString(params.Key))
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.Lock()
	defer f.Unlock()
	bucketPrefix := aws.ToString(params.Bucket) + "/"
	var keys []string
	for key := range f.objects {
		if !strings.HasPrefix(key, bucketPrefix) {
			continue
		}
		relative := key[len(bucketPrefix):]
		if strings.HasPrefix(relative, aws.ToString(params.Prefix)) {
			keys = append(keys, relative)
		}
	}
	sort.Strings(keys)
	start := 0
	if token := aws.ToString(params.ContinuationToken); token != "" {
		for i, key := range keys {
			if key > token {
				start = i
				break
			}
		}
	}
	end := len(keys)
	truncated := false
	if f.pageSize > 0 && start+f.pageSize < end {
		end = start + f.pageSize
		truncated = true
	}
	output := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(truncated)}
	for _, key := range keys[start:end] {
		output.Contents = append(output.Contents, s3types.Object{Key: aws.String(key)})
	}
	if truncated {
		output.NextContinuationToken = aws.String(keys[end-1])
	}
	return output, nil
}

func (f *fakeS3) CopyObject(_ context.Context, params *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.Lock()
	defer f.Unlock()
	data, ok := f.objects[aws.ToString(params.CopySource)]
	if !ok {
		return nil, fmt.Errorf("no such source: %s", aws.ToString(params.CopySource))
	}
	f.objects[f.key(aws.ToString(params.Bucket), aws.ToString(params.Key))] = data
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.Lock()
	defer f.Unlock()
	delete(f.objects, f.key(aws.ToString(params.Bucket), aws.ToString(params.Key)))
	return &s3.DeleteObjectOutput{}, nil
}

type fakePresigner struct{}

func (fakePresigner) PresignGetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.PresignOptions)) (*v4PresignedRequest, error) {
	return &v4PresignedRequest{
		URL:    fmt.Sprintf("https://store.example.com/%s/%s?signed", aws.ToString(params.Bucket), aws.ToString(params.Key)),
		Method: "GET",
	}, nil
}

func testClient(fake *fakeS3) *Client {
	return &Client{
		s3:      fake,
		presign: fakePresigner{},
		Bucket:  "examples",
		logger:  logrus.WithField("test", true),
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	client := testClient(newFakeS3())
	ctx := context.Background()
	if err := client.Put(ctx, "examples", "repositories/a/b/v1/main.py", []byte("print()"), "text/x-python", nil); err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}
	data, _, err := client.Get(ctx, "examples", "repositories/a/b/v1/main.py")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if string(data) != "print()" {
		t.Errorf("expected stored bytes back, got %q", string(data))
	}
}

func TestListPaginates(t *testing.T) {
	fake := newFakeS3()
	fake.pageSize = 2
	client := testClient(fake)
	ctx := context.Background()
	for _, key := range []string{"p/a", "p/b", "p/c", "p/d", "p/e", "other/x"} {
		if err := client.Put(ctx, "examples", key, []byte("x"), "", nil); err != nil {
			t.Fatalf("unexpected put error: %v", err)
		}
	}
	keys, err := client.List(ctx, "examples", "p/")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	expected := []string{"p/a", "p/b", "p/c", "p/d", "p/e"}
	if diff := cmp.Diff(expected, keys); diff != "" {
		t.Errorf("unexpected listing: %s", diff)
	}
}

func TestDownloadPrefix(t *testing.T) {
	client := testClient(newFakeS3())
	ctx := context.Background()
	prefix := VersionPrefix(uuid.MustParse("11111111-1111-1111-1111-111111111111"), uuid.MustParse("22222222-2222-2222-2222-222222222222"), "v1.0")
	files := map[string]string{
		"meta.yaml":        "title: t",
		"main.py":          "print()",
		"content/index.md": "# hello",
	}
	for name, content := range files {
		if err := client.Put(ctx, "examples", ObjectKey(prefix, name), []byte(content), "", nil); err != nil {
			t.Fatalf("unexpected put error: %v", err)
		}
	}
	downloaded, err := client.DownloadPrefix(ctx, "examples", prefix)
	if err != nil {
		t.Fatalf("unexpected download error: %v", err)
	}
	got := map[string]string{}
	for name, content := range downloaded {
		got[name] = string(content)
	}
	if diff := cmp.Diff(files, got); diff != "" {
		t.Errorf("unexpected files: %s", diff)
	}
}

func TestPresignGet(t *testing.T) {
	client := testClient(newFakeS3())
	url, err := client.PresignGet(context.Background(), "examples", "repositories/a/b/v1/main.py", time.Minute)
	if err != nil {
		t.Fatalf("unexpected presign error: %v", err)
	}
	if url != "https://store.example.com/examples/repositories/a/b/v1/main.py?signed" {
		t.Errorf("unexpected presigned URL: %s", url)
	}
}
