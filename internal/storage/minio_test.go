package storage

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"finq-go/internal/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 只实现归档用到的桶检查与对象写入
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/")
	switch {
	case r.Method == http.MethodHead && !strings.Contains(path, "/"):
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut && r.URL.Query().Has("lifecycle"):
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[path] = body
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestMinIOArchiveDLQ(t *testing.T) {
	s3 := &fakeS3{objects: map[string][]byte{}}
	server := httptest.NewServer(s3)
	defer server.Close()

	cfg := &config.MinIOConfig{
		Endpoint:        strings.TrimPrefix(server.URL, "http://"),
		AccessKeyID:     "test",
		SecretAccessKey: "testsecret",
		Location:        "us-east-1",
		DLQBucket:       "dlq-archive",
		ArchiveDays:     30,
	}
	m, err := NewMinIO(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	m.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC) }

	records := []json.RawMessage{
		json.RawMessage(`{"error":"boom","consumer":"c1"}`),
		json.RawMessage(`{"error":"bang","consumer":"c2"}`),
	}
	require.NoError(t, m.ArchiveDLQ(context.Background(), "orders", records))

	want := "dlq-archive/" + archiveObjectName("orders", m.now())
	s3.mu.Lock()
	body, ok := s3.objects[want]
	s3.mu.Unlock()
	require.True(t, ok, "objects: %v", s3.objects)

	var stored []map[string]string
	require.NoError(t, json.Unmarshal(body, &stored))
	require.Len(t, stored, 2)
	assert.Equal(t, "bang", stored[1]["error"])

	// 空批次不写对象
	require.NoError(t, m.ArchiveDLQ(context.Background(), "orders", nil))
	assert.Len(t, s3.objects, 1)
}

func TestArchiveObjectName(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)
	assert.Equal(t, "dlq/orders/2024/01/02/1704164645000000006.json", archiveObjectName("orders", at))
}

func TestNewMinIORequiresBucket(t *testing.T) {
	_, err := NewMinIO(context.Background(), &config.MinIOConfig{Endpoint: "localhost:9000"}, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewMinIO(context.Background(), nil, zerolog.Nop())
	assert.Error(t, err)
}
