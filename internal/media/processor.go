// Package media はアップロードされたメディアの受け付けとレンディション生成を提供します。
package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif" // image.Decode 用のデコーダ登録
	"image/jpeg"
	"image/png"
	"log"
	"os"
	"os/exec"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	xdraw "golang.org/x/image/draw"

	"github.com/mundotango/media-api/internal/jobs"
	"github.com/mundotango/media-api/internal/storage"
)

// imageSizes は画像レンディションの生成対象です。幅の大きい順に並べます。
var imageSizes = []struct {
	label string
	width int
}{
	{"large", 1600},
	{"medium", 800},
	{"thumbnail", 320},
}

const jpegQuality = 82

// Processor は画像のリサイズと動画圧縮を行う jobs.Processor 実装です。
// 入力ファイルの削除は行いません（キューの責務）。
type Processor struct {
	storage    *storage.Local
	ffmpegPath string
	logger     *log.Logger
}

var _ jobs.Processor = (*Processor)(nil)

// NewProcessor は Processor を作成します。
func NewProcessor(store *storage.Local, ffmpegPath string, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.Default()
	}
	return &Processor{
		storage:    store,
		ffmpegPath: ffmpegPath,
		logger:     logger,
	}
}

// Process は1ファイルからレンディション群を生成します。
// MIMEタイプはクライアント申告を信用せず、ファイル内容から判定し直します。
func (p *Processor) Process(ctx context.Context, path, mimeType string) ([]jobs.Rendition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	detected, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to detect mime type: %w", err)
	}
	resolved := detected.String()
	if resolved == "application/octet-stream" && mimeType != "" {
		resolved = mimeType
	}

	switch {
	case resolved == "image/gif":
		// アニメーションGIFはフレームを落とさずそのままコピーして公開する
		return p.copyThrough(ctx, path, "image", resolved)
	case strings.HasPrefix(resolved, "image/"):
		return p.processImage(ctx, path)
	case strings.HasPrefix(resolved, "video/"):
		return p.processVideo(ctx, path)
	default:
		return nil, newError("UNSUPPORTED_MEDIA", fmt.Sprintf("対応していないメディア形式です: %s", resolved), nil)
	}
}

// processImage は画像をデコードし、サイズ違いのレンディションを生成します。
// デコードバッファは本関数のスコープに閉じるため、1ファイル処理後に解放されます。
func (p *Processor) processImage(ctx context.Context, path string) ([]jobs.Rendition, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	src, format, err := image.Decode(file)
	file.Close()
	if err != nil {
		return nil, newError("INVALID_MEDIA", "画像の読み込みに失敗しました。", err)
	}

	bounds := src.Bounds()
	srcWidth := bounds.Dx()

	renditions := make([]jobs.Rendition, 0, len(imageSizes))
	seen := make(map[int]struct{}, len(imageSizes))
	for _, size := range imageSizes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// 元より大きなレンディションは作らない（拡大は画質を落とすだけ）
		width := size.width
		if width > srcWidth {
			width = srcWidth
		}
		// クランプで同じ幅になったサイズは同一内容になるため1本だけ残す
		if _, ok := seen[width]; ok {
			continue
		}
		seen[width] = struct{}{}

		r, err := p.encodeResized(ctx, src, format, size.label, width)
		if err != nil {
			return nil, err
		}
		renditions = append(renditions, r)
	}

	return renditions, nil
}

func (p *Processor) encodeResized(ctx context.Context, src image.Image, format, label string, width int) (jobs.Rendition, error) {
	bounds := src.Bounds()
	height := bounds.Dy() * width / bounds.Dx()
	if height < 1 {
		height = 1
	}

	resized := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(resized, resized.Bounds(), src, bounds, xdraw.Over, nil)

	var buf bytes.Buffer
	ext := ".jpg"
	switch format {
	case "png":
		ext = ".png"
		if err := png.Encode(&buf, resized); err != nil {
			return jobs.Rendition{}, fmt.Errorf("failed to encode png: %w", err)
		}
	default:
		if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return jobs.Rendition{}, fmt.Errorf("failed to encode jpeg: %w", err)
		}
	}

	size := int64(buf.Len())
	url, err := p.storage.Save(ctx, label+ext, &buf)
	if err != nil {
		return jobs.Rendition{}, err
	}

	return jobs.Rendition{
		Kind:      "image",
		Label:     label,
		URL:       url,
		Width:     width,
		Height:    height,
		SizeBytes: size,
	}, nil
}

// processVideo は ffmpeg で動画を圧縮し、単一のレンディションを返します。
func (p *Processor) processVideo(ctx context.Context, path string) ([]jobs.Rendition, error) {
	outPath, url := p.storage.Allocate("compressed.mp4")

	if err := p.runFFmpeg(ctx, path, outPath); err != nil {
		_ = os.Remove(outPath)
		return nil, err
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat compressed video: %w", err)
	}

	return []jobs.Rendition{{
		Kind:      "video",
		Label:     "compressed",
		URL:       url,
		SizeBytes: info.Size(),
	}}, nil
}

func (p *Processor) runFFmpeg(ctx context.Context, inputPath, outputPath string) error {
	args := []string{
		"-y",
		"-i", inputPath,
		"-vcodec", "libx264",
		"-crf", "28",
		"-preset", "fast",
		"-acodec", "aac",
		"-movflags", "+faststart",
		outputPath,
	}

	cmd := exec.CommandContext(ctx, p.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		p.logger.Printf("ffmpeg failed input=%s: %v: %s", inputPath, err, tail(stderr.String(), 400))
		return newError("VIDEO_PROCESSING_FAILED", "動画の圧縮に失敗しました。", err)
	}
	return nil
}

// copyThrough はファイルを変換せずにそのままストレージへコピーします。
func (p *Processor) copyThrough(ctx context.Context, path, kind, mimeType string) ([]jobs.Rendition, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open media file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat media file: %w", err)
	}

	ext := ""
	if exts := mimetype.Lookup(mimeType); exts != nil {
		ext = exts.Extension()
	}
	url, err := p.storage.Save(ctx, "original"+ext, file)
	if err != nil {
		return nil, err
	}

	return []jobs.Rendition{{
		Kind:      kind,
		Label:     "original",
		URL:       url,
		SizeBytes: info.Size(),
	}}, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
