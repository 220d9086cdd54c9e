package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"artless-topics/internal/docstore"
	"artless-topics/internal/imagehost"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type fakeUploader struct {
	url   string
	err   error
	calls int
}

func (f *fakeUploader) Upload(_ context.Context, _ string, _ []byte) (string, error) {
	f.calls++
	return f.url, f.err
}

func newTestService(t *testing.T, up *fakeUploader) (*Service, docstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := docstore.NewRedisStore(client)
	svc := NewService(store, up, nil)
	svc.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return svc, store
}

func TestSaveImageRecordsUpload(t *testing.T) {
	up := &fakeUploader{url: "https://i.host/abc.png"}
	svc, store := newTestService(t, up)
	ctx := context.Background()

	rec, err := svc.SaveImage(ctx, "user-1", "abc.png", pngHeader)
	if err != nil {
		t.Fatalf("save image: %v", err)
	}
	if rec.ID == "" || rec.URL != up.url || rec.ContentType != "image/png" || rec.Size != len(pngHeader) {
		t.Fatalf("unexpected record %+v", rec)
	}

	raw, err := store.Get(ctx, docstore.Path(uploadsCollection, rec.ID))
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	var stored Upload
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if stored != rec {
		t.Fatalf("stored %+v, want %+v", stored, rec)
	}
}

func TestSaveImageRejectsBeforeUpload(t *testing.T) {
	up := &fakeUploader{url: "https://i.host/x"}
	svc, _ := newTestService(t, up)

	if _, err := svc.SaveImage(context.Background(), "user-1", "a.txt", []byte("plain text")); !errors.Is(err, imagehost.ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
	if _, err := svc.SaveImage(context.Background(), "user-1", "a.png", nil); !errors.Is(err, imagehost.ErrEmptyImage) {
		t.Fatalf("expected ErrEmptyImage, got %v", err)
	}
	if up.calls != 0 {
		t.Fatalf("uploader called %d times for invalid input", up.calls)
	}
}

func TestSaveImageUploadFailure(t *testing.T) {
	up := &fakeUploader{err: &imagehost.UploadError{Status: 500, Message: "boom"}}
	svc, store := newTestService(t, up)
	ctx := context.Background()

	_, err := svc.SaveImage(ctx, "user-1", "a.png", pngHeader)
	var uploadErr *imagehost.UploadError
	if !errors.As(err, &uploadErr) || !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected wrapped UploadError, got %v", err)
	}
	docs, err := store.List(ctx, uploadsCollection)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("expected no records after failed upload, got %d", len(docs))
	}
}
