// Package storage はメディアファイルの保存先を抽象化します。
package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Local はローカルファイルシステム上のメディアストレージです。
// 保存したファイルは baseURL 配下の静的配信で公開されます。
type Local struct {
	baseDir string
	baseURL string
	logger  *log.Logger
}

// NewLocal はベースディレクトリを作成して Local を返します。
func NewLocal(baseDir, baseURL string) (*Local, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create media dir: %w", err)
	}
	return &Local{
		baseDir: baseDir,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  log.Default(),
	}, nil
}

// Dir はベースディレクトリを返します。
func (l *Local) Dir() string {
	return l.baseDir
}

// Allocate は保存先の絶対パスと公開URLを採番します。
// ffmpeg など、出力先パスを直接受け取る処理で使用します。
func (l *Local) Allocate(originalName string) (path string, url string) {
	name := storedName(originalName)
	return filepath.Join(l.baseDir, name), l.url(name)
}

// Save はリーダーの内容を新しいファイルとして保存し、公開URLを返します。
func (l *Local) Save(ctx context.Context, originalName string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := storedName(originalName)
	path := filepath.Join(l.baseDir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return "", fmt.Errorf("failed to create media file: %w", err)
	}
	if _, err := io.Copy(file, r); err != nil {
		file.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to write media file: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to close media file: %w", err)
	}

	return l.url(name), nil
}

// Promote は一時ファイルをストレージ配下へ移動し、公開URLを返します。
// 移動が原本の後始末を兼ねるため、呼び出し後に一時ファイルは残りません。
func (l *Local) Promote(ctx context.Context, path, originalName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := storedName(originalName)
	dest := filepath.Join(l.baseDir, name)

	if err := os.Rename(path, dest); err != nil {
		// 一時ディレクトリとメディアディレクトリが別デバイスの場合は
		// rename できないのでコピーで代替する
		if err := l.promoteByCopy(path, dest); err != nil {
			return "", err
		}
	}

	return l.url(name), nil
}

// テストから削除失敗を差し込むためのフック
var removeOriginal = os.Remove

// promoteByCopy はコピーで昇格し、その後に原本の削除を試みます。
// コピーが完了していれば原本の削除失敗は昇格の失敗にしません。
func (l *Local) promoteByCopy(path, dest string) error {
	if err := copyFile(path, dest); err != nil {
		return fmt.Errorf("failed to promote file: %w", err)
	}
	if err := removeOriginal(path); err != nil && !os.IsNotExist(err) {
		l.logger.Printf("failed to remove original after copy %q: %v", path, err)
	}
	return nil
}

// Delete は保存済みファイルを削除します。存在しない場合はエラーにしません。
func (l *Local) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name = filepath.Base(name)
	if err := os.Remove(filepath.Join(l.baseDir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete media file: %w", err)
	}
	return nil
}

func (l *Local) url(name string) string {
	return l.baseURL + "/" + name
}

// storedName は衝突しない保存用ファイル名を生成します。
// 元のファイル名は拡張子だけを引き継ぎます。
func storedName(originalName string) string {
	ext := strings.ToLower(filepath.Ext(originalName))
	if len(ext) > 10 {
		ext = ""
	}
	return uuid.NewString() + ext
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dest)
		return err
	}
	return out.Close()
}
