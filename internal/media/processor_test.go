package media

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mundotango/media-api/internal/storage"
)

func writeTestPNG(t *testing.T, dir string, width, height int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	path := filepath.Join(dir, "input.png")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create test image: %v", err)
	}
	defer file.Close()
	if err := png.Encode(file, img); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return path
}

func TestProcessorImageRenditions(t *testing.T) {
	mediaDir := t.TempDir()
	store, err := storage.NewLocal(mediaDir, "/media")
	if err != nil {
		t.Fatalf("failed to init storage: %v", err)
	}
	processor := NewProcessor(store, "ffmpeg", nil)

	input := writeTestPNG(t, t.TempDir(), 1000, 500)

	renditions, err := processor.Process(context.Background(), input, "image/png")
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if len(renditions) == 0 {
		t.Fatal("expected at least one rendition")
	}

	widths := make(map[string]int)
	for _, r := range renditions {
		if r.Kind != "image" {
			t.Fatalf("unexpected rendition kind: %s", r.Kind)
		}
		if !strings.HasPrefix(r.URL, "/media/") {
			t.Fatalf("unexpected rendition URL: %s", r.URL)
		}
		name := strings.TrimPrefix(r.URL, "/media/")
		if _, err := os.Stat(filepath.Join(mediaDir, name)); err != nil {
			t.Fatalf("rendition file missing: %v", err)
		}
		widths[r.Label] = r.Width
	}

	// 元画像は1000pxなので、largeは拡大せず1000px、以下は縮小される
	if widths["large"] != 1000 {
		t.Fatalf("unexpected large width: %d", widths["large"])
	}
	if widths["medium"] != 800 {
		t.Fatalf("unexpected medium width: %d", widths["medium"])
	}
	if widths["thumbnail"] != 320 {
		t.Fatalf("unexpected thumbnail width: %d", widths["thumbnail"])
	}

	// 原本の削除はキューの責務。プロセッサは入力に触らない。
	if _, err := os.Stat(input); err != nil {
		t.Fatalf("input file should remain: %v", err)
	}
}

func TestProcessorNarrowImageSingleRendition(t *testing.T) {
	store, err := storage.NewLocal(t.TempDir(), "/media")
	if err != nil {
		t.Fatalf("failed to init storage: %v", err)
	}
	processor := NewProcessor(store, "ffmpeg", nil)

	// どのターゲット幅よりも狭い画像。クランプすると全サイズが同幅になる。
	input := writeTestPNG(t, t.TempDir(), 200, 100)

	renditions, err := processor.Process(context.Background(), input, "image/png")
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if len(renditions) != 1 {
		t.Fatalf("expected a single rendition, got %d", len(renditions))
	}
	if renditions[0].Width != 200 {
		t.Fatalf("unexpected width: %d", renditions[0].Width)
	}
	if renditions[0].Label != "large" {
		t.Fatalf("unexpected label: %s", renditions[0].Label)
	}
}

func TestProcessorUnsupportedMedia(t *testing.T) {
	store, err := storage.NewLocal(t.TempDir(), "/media")
	if err != nil {
		t.Fatalf("failed to init storage: %v", err)
	}
	processor := NewProcessor(store, "ffmpeg", nil)

	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("plain text, not media"), 0o640); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	_, err = processor.Process(context.Background(), path, "text/plain")
	if err == nil {
		t.Fatal("expected error for unsupported media")
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != "UNSUPPORTED_MEDIA" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestProcessorBrokenImage(t *testing.T) {
	store, err := storage.NewLocal(t.TempDir(), "/media")
	if err != nil {
		t.Fatalf("failed to init storage: %v", err)
	}
	processor := NewProcessor(store, "ffmpeg", nil)

	dir := t.TempDir()
	path := filepath.Join(dir, "broken.png")
	// PNGシグネチャだけ書いて中身を壊す
	if err := os.WriteFile(path, []byte("\x89PNG\r\n\x1a\nbroken"), 0o640); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	_, err = processor.Process(context.Background(), path, "image/png")
	if err == nil {
		t.Fatal("expected error for broken image")
	}
}
