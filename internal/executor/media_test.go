package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"quota-dispatch/internal/config"
	"quota-dispatch/internal/models"
)

func servePNG(t *testing.T, width, height int) *httptest.Server {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
}

func TestMediaExecuteRendersAndMeters(t *testing.T) {
	ctx := context.Background()
	srv := servePNG(t, 64, 48)
	defer srv.Close()

	outDir := t.TempDir()
	m, err := NewMedia(ctx, config.Config{
		MediaOutputDir:    outDir,
		MediaDefaultWidth: 32,
	})
	if err != nil {
		t.Fatalf("new media: %v", err)
	}

	payload, _ := json.Marshal(map[string]any{
		"source_url": srv.URL,
		"output_key": "thumb.png",
	})
	job := models.Job{ID: "job-1", PayloadRef: string(payload), EstimatedUnits: 5}

	res, err := m.Execute(ctx, job)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.ActualUnits < 1 {
		t.Fatalf("actual units = %d, want >= 1", res.ActualUnits)
	}
	if res.ResultRef != filepath.Join(outDir, "thumb.png") {
		t.Fatalf("result ref = %q", res.ResultRef)
	}
	if _, err := os.Stat(res.ResultRef); err != nil {
		t.Fatalf("output missing: %v", err)
	}
}

func TestMediaDownloadFailureClassification(t *testing.T) {
	ctx := context.Background()
	var status int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	m, err := NewMedia(ctx, config.Config{MediaOutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new media: %v", err)
	}
	payload := fmt.Sprintf(`{"source_url":%q}`, srv.URL)
	job := models.Job{ID: "job-1", PayloadRef: payload}

	status = http.StatusBadGateway
	if _, err := m.Execute(ctx, job); !IsTransient(err) {
		t.Fatalf("5xx should be transient, got %v", err)
	}

	status = http.StatusNotFound
	if _, err := m.Execute(ctx, job); err == nil || IsTransient(err) {
		t.Fatalf("4xx should be fatal, got %v", err)
	}
}

func TestMeterUnits(t *testing.T) {
	cases := []struct {
		elapsed time.Duration
		want    int64
	}{
		{0, 1},
		{10 * time.Second, 1},
		{time.Minute, 1},
		{61 * time.Second, 2},
		{5 * time.Minute, 5},
	}
	for _, c := range cases {
		if got := meterUnits(c.elapsed); got != c.want {
			t.Errorf("meterUnits(%s) = %d, want %d", c.elapsed, got, c.want)
		}
	}
}

func TestTransientWrapping(t *testing.T) {
	base := errors.New("boom")
	wrapped := Transient(base)
	if !IsTransient(wrapped) {
		t.Fatal("Transient() not detected")
	}
	if !errors.Is(wrapped, base) {
		t.Fatal("wrapped error lost its cause")
	}
	if IsTransient(base) {
		t.Fatal("plain error classified as transient")
	}
	if Transient(nil) != nil {
		t.Fatal("Transient(nil) should be nil")
	}
}
