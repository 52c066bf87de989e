package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"testing"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"

	"unitmover.io/unitmover/internal/config"
	"unitmover.io/unitmover/internal/domain"
)

func TestMemoryStore_Export(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	items, err := store.ExportSubjectData(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, items)

	data := []byte("second")
	store.Put("alice", domain.Item{ID: "m2", Data: data}, domain.Item{ID: "m1", Data: []byte("first")})
	store.Put("bob", domain.Item{ID: "b1", Data: []byte("other")})
	data[0] = 'X'

	items, err = store.ExportSubjectData(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "m1", items[0].ID)
	require.Equal(t, "second", string(items[1].Data))

	items[0].Data[0] = 'Y'
	again, err := store.ExportSubjectData(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "first", string(again[0].Data))

	sum := Summarize(again)
	require.Equal(t, domain.ExportSummary{ItemCount: 2, TotalBytes: 11}, sum)
}

// fakeS3 serves ListObjectsV2 and GetObject for a path-style bucket.
type fakeS3 struct {
	objects  map[string][]byte
	pageSize int
	lists    int
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if req.Method == http.MethodGet && strings.Contains(req.URL.RawQuery, "list-type=2") {
		f.lists++
		q := req.URL.Query()
		prefix := q.Get("prefix")
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)

		start := 0
		if tok := q.Get("continuation-token"); tok != "" {
			start, _ = strconv.Atoi(tok)
		}
		end := min(start+f.pageSize, len(keys))

		var b strings.Builder
		b.WriteString(`<?xml version="1.0"?><ListBucketResult>`)
		if end < len(keys) {
			fmt.Fprintf(&b, "<IsTruncated>true</IsTruncated><NextContinuationToken>%d</NextContinuationToken>", end)
		} else {
			b.WriteString("<IsTruncated>false</IsTruncated>")
		}
		for _, k := range keys[start:end] {
			fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>2024-01-01T00:00:00Z</LastModified></Contents>", k, len(f.objects[k]))
		}
		b.WriteString("</ListBucketResult>")
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader(b.String())),
			Header:     http.Header{"Content-Type": {"application/xml"}},
		}, nil
	}
	if req.Method == http.MethodGet {
		if body, ok := f.objects[key]; ok {
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(bytes.NewReader(body)),
				Header:     http.Header{"Content-Length": {strconv.Itoa(len(body))}},
			}, nil
		}
		return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
	}
	return &http.Response{StatusCode: http.StatusNotImplemented, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
}

func newFakeS3Store(t *testing.T, rt *fakeS3) *S3Store {
	t.Helper()
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	require.NoError(t, err)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: rt}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://mock.s3.local")
	})
	return NewS3StoreFromClient(client, "subjects-bucket", "subjects/")
}

func TestS3Store_ExportPaginates(t *testing.T) {
	rt := &fakeS3{
		pageSize: 2,
		objects: map[string][]byte{
			"subjects/alice/m1": []byte("one"),
			"subjects/alice/m2": []byte("two"),
			"subjects/alice/m3": []byte("three"),
			"subjects/bob/m1":   []byte("bob"),
		},
	}
	store := newFakeS3Store(t, rt)

	items, err := store.ExportSubjectData(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, "m1", items[0].ID)
	require.Equal(t, "three", string(items[2].Data))
	require.Equal(t, 2, rt.lists)

	items, err = store.ExportSubjectData(context.Background(), "carol")
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), config.SourceConfig{Type: "s3"})
	require.Error(t, err)

	store, err := NewS3Store(context.Background(), config.SourceConfig{
		Type:            "s3",
		Bucket:          "b",
		Prefix:          "p/",
		Endpoint:        "http://minio.local:9000",
		AccessKeyID:     "id",
		SecretAccessKey: "secret",
		PathStyle:       true,
	})
	require.NoError(t, err)
	require.Equal(t, "p/alice/", store.subjectPrefix("alice"))
}
