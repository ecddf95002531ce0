package fs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sterilcore/internal/blob/core"
)

func TestRoundTrip(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	key := "incidents/fac-1/BI-FAIL-20260101-001.json"
	info, err := s.Put(ctx, key, strings.NewReader(`{"n":1}`), core.PutOptions{ContentType: "application/json", Metadata: map[string]string{"facility": "fac-1"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 7 || len(info.ETag) != 64 {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := os.Stat(filepath.Join(root, "incidents", "fac-1", "BI-FAIL-20260101-001.json.meta")); err != nil {
		t.Fatalf("sidecar missing: %v", err)
	}

	got, rc, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != `{"n":1}` || got.Metadata["facility"] != "fac-1" || got.ETag != info.ETag {
		t.Fatalf("unexpected get %q %+v", body, got)
	}
	head, err := s.Head(ctx, key)
	if err != nil || head.ContentType != "application/json" {
		t.Fatalf("head: %+v %v", head, err)
	}
	url, err := s.PresignURL(ctx, key, core.SignedURLOptions{})
	if err != nil || !strings.HasSuffix(url, key) {
		t.Fatalf("presign: %s %v", url, err)
	}
	if _, err := s.PresignURL(ctx, key, core.SignedURLOptions{Method: "PUT"}); !errors.Is(err, core.ErrUnsupported) {
		t.Fatalf("expected unsupported for PUT, got %v", err)
	}
}

func TestWriteOnceAndList(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	for _, k := range []string{"b/2", "a/1", "b/1"} {
		if _, err := s.Put(ctx, k, bytes.NewBufferString(k), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	if _, err := s.Put(ctx, "a/1", bytes.NewBufferString("again"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	list, err := s.List(ctx, "b/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Key != "b/1" || list[1].Key != "b/2" {
		t.Fatalf("unexpected list %+v", list)
	}
	all, _ := s.List(ctx, "")
	if len(all) != 3 {
		t.Fatalf("expected 3 objects, got %d", len(all))
	}
}

func TestInvalidAndMissingKeys(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	for _, k := range []string{"", "/etc/passwd", "../x", "x.meta"} {
		if _, err := s.Put(ctx, k, bytes.NewBufferString("x"), core.PutOptions{}); !errors.Is(err, core.ErrInvalidKey) {
			t.Fatalf("key %q: expected ErrInvalidKey, got %v", k, err)
		}
	}
	if _, _, err := s.Get(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.Head(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDefaultRoot(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer func() { _ = os.Chdir(wd) }()
	s, err := New("")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.Root() != DefaultRoot || s.Driver() != core.DriverFilesystem {
		t.Fatalf("unexpected store %s %s", s.Root(), s.Driver())
	}
}
