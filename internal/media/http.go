package media

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mundotango/media-api/internal/auth"
	"github.com/mundotango/media-api/internal/jobs"
)

// UploadQueue はアップロードジョブの投入と参照を提供します。
type UploadQueue interface {
	Add(ownerID string, files []jobs.UploadFile, post jobs.PostInput) string
	Get(id string) (*jobs.Job, bool)
	GetStats() jobs.Stats
}

// UploadOptions はアップロードハンドラーの設定です。
type UploadOptions struct {
	UploadDir   string // 一時ファイルの保存先
	MaxFileSize int64  // 単一ファイルの最大サイズ（バイト）
	MaxFiles    int    // 1リクエストの最大ファイル数
}

// テキスト系フィールドの読み取り上限。ファイル以外のパートに適用する。
const maxFieldBytes = 64 * 1024

// UploadHandler は POST /api/posts/upload のハンドラーを返します。
//
// ファイルはリクエストボディから一時ディレクトリへ直接ストリームし、
// メモリにはバッファしません。重い処理はすべてキューに委ね、
// ファイル数やサイズに関わらず即座にジョブIDを返します。
func UploadHandler(queue UploadQueue, opts UploadOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		ownerID := c.GetString(auth.ContextUserKey)
		if ownerID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "UNAUTHORIZED",
				"message": "ログインが必要です。",
			})
			return
		}

		reader, err := c.Request.MultipartReader()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "INVALID_INPUT",
				"message": "multipart/form-data で送信してください。",
			})
			return
		}

		stagingDir := filepath.Join(opts.UploadDir, uuid.NewString())
		if err := os.MkdirAll(stagingDir, 0o750); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "UPLOAD_FAILED",
				"message": "アップロードの受け付けに失敗しました。",
			})
			return
		}

		files, post, err := readMultipart(reader, stagingDir, opts)
		if err != nil {
			// ジョブ投入前に失敗したらディスク上の一時ファイルを残さない
			_ = os.RemoveAll(stagingDir)
			respondUploadError(c, err)
			return
		}

		// テキストのみの投稿はステージングを使わないため、空ディレクトリをここで回収する。
		// ファイルありの場合はジョブが終端状態に達した時点でキューが回収する。
		if len(files) == 0 {
			_ = os.RemoveAll(stagingDir)
		}

		jobID := queue.Add(ownerID, files, post)

		c.JSON(http.StatusAccepted, gin.H{
			"success":       true,
			"jobId":         jobID,
			"message":       "投稿を受け付けました。バックグラウンドで処理します。",
			"estimatedTime": estimateTime(files),
			"responseTime":  fmt.Sprintf("%dms", time.Since(start).Milliseconds()),
		})
	}
}

// StatusHandler は GET /api/posts/upload/status/:jobId のハンドラーを返します。
// 副作用のない読み取り専用エンドポイントで、ポーリング前提です。
func StatusHandler(queue UploadQueue) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("jobId"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		job, ok := queue.Get(jobID)
		if !ok {
			// 保持期限切れで削除済みの場合もここに該当する
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}

		var jobErr any
		if job.Error != "" {
			jobErr = job.Error
		}
		var completedAt any
		if job.CompletedAt != nil {
			completedAt = job.CompletedAt
		}

		c.JSON(http.StatusOK, gin.H{
			"jobId":       job.ID,
			"status":      job.Status,
			"progress":    job.Progress,
			"result":      job.Result,
			"error":       jobErr,
			"createdAt":   job.CreatedAt,
			"completedAt": completedAt,
		})
	}
}

// StatsHandler は GET /api/posts/upload/stats のハンドラーを返します。
func StatsHandler(queue UploadQueue) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"stats":   queue.GetStats(),
		})
	}
}

// readMultipart はパートを順に読み、ファイルはディスクへストリームし、
// テキストフィールドは投稿メタデータとして集めます。
func readMultipart(reader *multipart.Reader, stagingDir string, opts UploadOptions) ([]jobs.UploadFile, jobs.PostInput, error) {
	var files []jobs.UploadFile
	post := jobs.PostInput{Visibility: "public"}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, post, fmt.Errorf("failed to read multipart: %w", err)
		}

		if part.FileName() == "" {
			if err := readField(part, &post); err != nil {
				return nil, post, err
			}
			continue
		}

		if opts.MaxFiles > 0 && len(files) >= opts.MaxFiles {
			part.Close()
			return nil, post, newError("LIMIT_EXCEEDED",
				fmt.Sprintf("ファイル数が上限（%d件）を超えています。", opts.MaxFiles), nil)
		}

		file, err := storePart(part, stagingDir, opts.MaxFileSize)
		part.Close()
		if err != nil {
			return nil, post, err
		}
		files = append(files, file)
	}

	return files, post, nil
}

func readField(part *multipart.Part, post *jobs.PostInput) error {
	data, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
	if err != nil {
		return fmt.Errorf("failed to read field %q: %w", part.FormName(), err)
	}
	value := strings.TrimSpace(string(data))

	switch part.FormName() {
	case "content":
		post.Content = value
	case "visibility":
		if value != "" {
			post.Visibility = value
		}
	case "location":
		post.Location = value
	case "hashtags":
		post.Hashtags = parseStringList(value)
	case "mentions":
		post.Mentions = parseStringList(value)
	}
	return nil
}

// storePart はファイルパートを一時ディレクトリへストリームコピーします。
func storePart(part *multipart.Part, stagingDir string, maxSize int64) (jobs.UploadFile, error) {
	ext := strings.ToLower(filepath.Ext(part.FileName()))
	if len(ext) > 10 {
		ext = ""
	}
	path := filepath.Join(stagingDir, uuid.NewString()+ext)

	dest, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return jobs.UploadFile{}, fmt.Errorf("failed to create upload file: %w", err)
	}

	limit := io.Reader(part)
	if maxSize > 0 {
		limit = io.LimitReader(part, maxSize+1)
	}
	written, err := io.Copy(dest, limit)
	if closeErr := dest.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return jobs.UploadFile{}, fmt.Errorf("failed to store upload file: %w", err)
	}
	if maxSize > 0 && written > maxSize {
		return jobs.UploadFile{}, newError("LIMIT_EXCEEDED",
			fmt.Sprintf("ファイル %q がサイズ上限を超えています。", part.FileName()), nil)
	}

	return jobs.UploadFile{
		Path:         path,
		MimeType:     part.Header.Get("Content-Type"),
		OriginalName: filepath.Base(part.FileName()),
		SizeBytes:    written,
	}, nil
}

// parseStringList は JSON 配列またはカンマ区切りの文字列リストを解釈します。
func parseStringList(raw string) []string {
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		var list []string
		if err := json.Unmarshal([]byte(raw), &list); err == nil {
			return list
		}
	}
	parts := strings.Split(raw, ",")
	list := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			list = append(list, trimmed)
		}
	}
	if len(list) == 0 {
		return nil
	}
	return list
}

// estimateTime は静的なヒューリスティックで完了目安を返します。
// メディアがあれば長め、なければ短めの案内にします。
func estimateTime(files []jobs.UploadFile) string {
	if len(files) == 0 {
		return "数秒"
	}
	return "30〜60秒"
}

func respondUploadError(c *gin.Context, err error) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		status := http.StatusBadRequest
		if apiErr.Code == "LIMIT_EXCEEDED" {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, gin.H{
			"error":   apiErr.Code,
			"message": apiErr.Message,
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "UPLOAD_FAILED",
		"message": "アップロードの処理中にエラーが発生しました。",
	})
}
