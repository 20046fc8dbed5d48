package publish

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu        sync.Mutex
	ensured   int
	ensureErr error
	objects   map[string]string
	failKey   string
}

func (m *memStore) EnsureBucket(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensured++
	return m.ensureErr
}

func (m *memStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if key == m.failKey {
		return errors.New("503 slow down")
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string]string{}
	}
	m.objects[key] = string(b)
	return nil
}

func writePDF(t *testing.T, path, body string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestObjectKey(t *testing.T) {
	out := filepath.Join("data", "pdfs")

	k, err := ObjectKey("/rel-18/", out, filepath.Join(out, "21_series", "21905.doc.pdf"))
	require.NoError(t, err)
	require.Equal(t, "rel-18/21_series/21905.doc.pdf", k)

	k, err = ObjectKey("", out, filepath.Join(out, "a.doc.pdf"))
	require.NoError(t, err)
	require.Equal(t, "a.doc.pdf", k)

	_, err = ObjectKey("", out, filepath.Join("data", "other.pdf"))
	require.Error(t, err)
}

func TestPublish_FailedUploadIsCountedNotFatal(t *testing.T) {
	out := t.TempDir()
	a := writePDF(t, filepath.Join(out, "A", "a.doc.pdf"), "%PDF-a")
	b := writePDF(t, filepath.Join(out, "b.rtf.pdf"), "%PDF-b")
	missing := filepath.Join(out, "gone.doc.pdf")

	ms := &memStore{failKey: "specs/b.rtf.pdf"}
	st, err := (&Publisher{store: ms, prefix: "specs"}).Publish(context.Background(), out, []string{a, b, missing})
	require.NoError(t, err)
	require.Equal(t, 1, st.Uploaded)
	require.EqualValues(t, len("%PDF-a"), st.Bytes)
	sort.Strings(st.Failed)
	require.Equal(t, []string{b, missing}, st.Failed)
	require.Equal(t, map[string]string{"specs/A/a.doc.pdf": "%PDF-a"}, ms.objects)
}

func TestPublish_EnsureBucketErrorIsFatal(t *testing.T) {
	out := t.TempDir()
	a := writePDF(t, filepath.Join(out, "a.doc.pdf"), "x")

	ms := &memStore{ensureErr: errors.New("access denied")}
	_, err := (&Publisher{store: ms}).Publish(context.Background(), out, []string{a})
	require.Error(t, err)

	// 没有待上传文件时不触碰存储。
	ms2 := &memStore{}
	st, err := (&Publisher{store: ms2}).Publish(context.Background(), out, nil)
	require.NoError(t, err)
	require.Zero(t, st.Uploaded)
	require.Zero(t, ms2.ensured)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Bucket: "b", AccessKey: "a", SecretKey: "s"}, nil)
	require.Error(t, err)
	_, err = New(Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s"}, nil)
	require.Error(t, err)
	_, err = New(Config{Endpoint: "localhost:9000", Bucket: "b"}, nil)
	require.Error(t, err)

	p, err := New(Config{Endpoint: "localhost:9000", Bucket: "b", AccessKey: "a", SecretKey: "s", Prefix: "/x/"}, nil)
	require.NoError(t, err)
	require.Equal(t, "x", p.prefix)
}

// fakeS3 只实现 HEAD bucket 与单段 PUT object。
func fakeS3(t *testing.T) (*httptest.Server, *sync.Map) {
	t.Helper()
	var objects sync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
		switch {
		case r.Method == http.MethodHead && (len(parts) == 1 || parts[1] == ""):
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPut && len(parts) == 2:
			b, _ := io.ReadAll(r.Body)
			objects.Store(parts[1], string(b))
			w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotImplemented)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &objects
}

func TestPublisher_MinioAgainstFakeS3(t *testing.T) {
	srv, objects := fakeS3(t)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	out := t.TempDir()
	a := writePDF(t, filepath.Join(out, "38_series", "38300.doc.pdf"), "%PDF-1.7")

	p, err := New(Config{Endpoint: u.Host, Bucket: "specs", AccessKey: "ak", SecretKey: "sk", Prefix: "rel-18"}, nil)
	require.NoError(t, err)
	st, err := p.Publish(context.Background(), out, []string{a})
	require.NoError(t, err)
	require.Equal(t, 1, st.Uploaded, "failed=%v", st.Failed)

	v, ok := objects.Load("rel-18/38_series/38300.doc.pdf")
	require.True(t, ok)
	// 明文 HTTP 下 minio 可能使用 aws-chunked 编码，只校验内容被完整携带。
	require.Contains(t, v, "%PDF-1.7")
}
