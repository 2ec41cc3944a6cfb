package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fakeGCSUpdated = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

// fakeGCS implements the JSON and XML calls the GCS client makes for the
// store's operations.
type fakeGCS struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
	uploads int
}

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch p := r.URL.Path; {
	case strings.HasPrefix(p, "/upload/storage/v1/b/"):
		f.insert(w, r)
	case strings.HasPrefix(p, "/download/storage/v1/b/"):
		f.json(w, r, strings.TrimPrefix(p, "/download/storage/v1/b/"))
	case strings.HasPrefix(p, "/storage/v1/b/"):
		f.json(w, r, strings.TrimPrefix(p, "/storage/v1/b/"))
	default:
		// XML API reads address objects as /{bucket}/{object}.
		bucket, name, _ := strings.Cut(strings.TrimPrefix(p, "/"), "/")
		if bucket != f.bucket || r.Method != http.MethodGet {
			http.Error(w, "unsupported", http.StatusMethodNotAllowed)
			return
		}
		f.media(w, name)
	}
}

func (f *fakeGCS) json(w http.ResponseWriter, r *http.Request, path string) {
	bucket, rest, _ := strings.Cut(path, "/")
	if bucket != f.bucket {
		writeGCSError(w, http.StatusNotFound, "bucket not found")
		return
	}
	name := strings.TrimPrefix(strings.TrimPrefix(rest, "o"), "/")

	switch {
	case r.Method == http.MethodGet && name == "":
		f.list(w, r.URL.Query().Get("prefix"))
	case r.Method == http.MethodGet && r.URL.Query().Get("alt") == "media":
		f.media(w, name)
	case r.Method == http.MethodGet:
		data, ok := f.objects[name]
		if !ok {
			writeGCSError(w, http.StatusNotFound, "No such object")
			return
		}
		writeJSON(w, f.resource(name, data))
	case r.Method == http.MethodDelete:
		if _, ok := f.objects[name]; !ok {
			writeGCSError(w, http.StatusNotFound, "No such object")
			return
		}
		delete(f.objects, name)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "unsupported", http.StatusMethodNotAllowed)
	}
}

// insert accepts a multipart upload: a JSON metadata part followed by the
// media part.
func (f *fakeGCS) insert(w http.ResponseWriter, r *http.Request) {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	mr := multipart.NewReader(r.Body, params["boundary"])

	meta, err := mr.NextPart()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var attrs struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(meta).Decode(&attrs); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if attrs.Name == "" {
		attrs.Name = r.URL.Query().Get("name")
	}

	media, err := mr.NextPart()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(media)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.objects[attrs.Name] = data
	f.uploads++
	writeJSON(w, f.resource(attrs.Name, data))
}

func (f *fakeGCS) media(w http.ResponseWriter, name string) {
	data, ok := f.objects[name]
	if !ok {
		writeGCSError(w, http.StatusNotFound, "No such object")
		return
	}
	w.Header().Set("Content-Length", fmt.Sprint(len(data)))
	w.Header().Set("X-Goog-Generation", "1")
	w.Header().Set("X-Goog-Metageneration", "1")
	_, _ = w.Write(data)
}

func (f *fakeGCS) list(w http.ResponseWriter, prefix string) {
	names := make([]string, 0, len(f.objects))
	for name := range f.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	items := make([]map[string]string, 0, len(names))
	for _, name := range names {
		items = append(items, f.resource(name, f.objects[name]))
	}
	writeJSON(w, map[string]any{"kind": "storage#objects", "items": items})
}

func (f *fakeGCS) resource(name string, data []byte) map[string]string {
	return map[string]string{
		"kind":           "storage#object",
		"bucket":         f.bucket,
		"name":           name,
		"size":           fmt.Sprint(len(data)),
		"generation":     "1",
		"metageneration": "1",
		"updated":        fakeGCSUpdated.Format(time.RFC3339),
	}
}

func (f *fakeGCS) put(name string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[name] = data
}

func (f *fakeGCS) has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[name]
	return ok
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeGCSError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":%q}}`, status, message)
}

func newGCSStore(t *testing.T, prefix string) (*GCSStore, *fakeGCS) {
	t.Helper()
	fake := &fakeGCS{bucket: "images", objects: make(map[string][]byte)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	// The client routes both its JSON and XML calls to the emulator host.
	t.Setenv("STORAGE_EMULATOR_HOST", srv.URL)

	s, err := NewGCSStore(context.Background(), "images", prefix)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, fake
}

func TestGCSStore_WriteReadDelete(t *testing.T) {
	s, fake := newGCSStore(t, "scans/")
	ctx := context.Background()

	err := s.Write(ctx, &WriteRequest{Key: "1_1.png", Content: strings.NewReader("png-bytes"), ContentType: "image/png"})
	require.NoError(t, err)
	assert.True(t, fake.has("scans/1_1.png"))

	assert.Equal(t, []byte("png-bytes"), readAll(t, s, "1_1.png"))

	require.NoError(t, s.Delete(ctx, "1_1.png"))
	assert.False(t, fake.has("scans/1_1.png"))
}

func TestGCSStore_ReadMissing(t *testing.T) {
	s, _ := newGCSStore(t, "")

	_, err := s.Read(context.Background(), "1_1.png")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGCSStore_DeleteMissing(t *testing.T) {
	s, _ := newGCSStore(t, "scans/")

	assert.NoError(t, s.Delete(context.Background(), "1_1.png"))
	assert.NoError(t, s.Delete(context.Background(), "1_1.png"))
}

func TestGCSStore_InvalidKey(t *testing.T) {
	s, fake := newGCSStore(t, "")
	ctx := context.Background()

	assert.ErrorIs(t, s.Write(ctx, &WriteRequest{Key: "../1_1.png", Content: strings.NewReader("x")}), ErrInvalidKey)
	_, err := s.Read(ctx, "a/b.png")
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.ErrorIs(t, s.Delete(ctx, ""), ErrInvalidKey)
	assert.Zero(t, fake.uploads)
}

// truncatedReader returns data and then fails, like a client connection that
// drops part way through an upload.
type truncatedReader struct {
	data []byte
	done bool
}

func (r *truncatedReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, errors.New("connection reset")
	}
	r.done = true
	return copy(p, r.data), nil
}

func TestGCSStore_WriteFailureLeavesNoObject(t *testing.T) {
	s, fake := newGCSStore(t, "")

	err := s.Write(context.Background(), &WriteRequest{
		Key:         "1_1.png",
		Content:     &truncatedReader{data: []byte("partial")},
		ContentType: "image/png",
	})
	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, "1_1.png", werr.Key)

	assert.False(t, fake.has("1_1.png"))
	assert.Zero(t, fake.uploads)
}

func TestGCSStore_List(t *testing.T) {
	s, fake := newGCSStore(t, "scans/")
	fake.put("scans/1_1.png", []byte("a"))
	fake.put("scans/2_2.jpg", []byte("bb"))
	fake.put("scans/nested/3_3.png", []byte("ccc"))
	fake.put("other/4_4.png", []byte("dddd"))

	objects, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, objects, 2)

	assert.Equal(t, "1_1.png", objects[0].Key)
	assert.Equal(t, int64(1), objects[0].Size)
	assert.Equal(t, "2_2.jpg", objects[1].Key)
	assert.Equal(t, fakeGCSUpdated, objects[1].ModTime.UTC())
	assert.False(t, objects[1].Partial)
}
