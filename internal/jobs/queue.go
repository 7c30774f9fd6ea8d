// Package jobs はアップロード処理用のインメモリジョブキューを提供します。
package jobs

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mundotango/media-api/internal/posts"
)

// Processor はメディアファイル1件からレンディション群を生成します。
// 入力ファイルの削除は呼び出し側（キュー）の責務です。
type Processor interface {
	Process(ctx context.Context, path, mimeType string) ([]Rendition, error)
}

// Promoter は一時ファイルをそのまま恒久ストレージへ移動し、公開URLを返します。
// クライアント側で圧縮済みの小さな画像を再処理せずに通すために使います。
type Promoter interface {
	Promote(ctx context.Context, path, originalName string) (string, error)
}

// PostCreator は処理結果から投稿レコードを永続化します。
type PostCreator interface {
	CreatePost(ctx context.Context, post *posts.NewPost) (*posts.Post, error)
}

// Options はキューの動作設定です。
type Options struct {
	Interval         time.Duration // ポーリング間隔
	Retention        time.Duration // 完了ジョブをレジストリに保持する時間
	JobTimeout       time.Duration // 1ジョブの処理タイムアウト（0で無効）
	PassthroughBytes int64         // 圧縮済みとみなす画像サイズ閾値（0で無効）
	Logger           *log.Logger
}

// 進捗のパーセント帯。ファイル処理は started→filesDone の帯に均等配分されます。
const (
	progressStarted   = 10
	progressFilesDone = 60
	progressPersist   = 90
	progressComplete  = 100
)

// Queue はジョブレジストリとバックグラウンド処理ループを束ねます。
//
// 処理は単一のゴルーチンが担うため、同時に processing となるジョブは
// 常に最大1件です。登録済みジョブの更新はクローンを差し替える方式で行い、
// 参照側は常に完全なスナップショットだけを観測します。
type Queue struct {
	opts      Options
	processor Processor
	promoter  Promoter
	postStore PostCreator
	logger    *log.Logger

	mu      sync.RWMutex
	jobs    map[string]*Job
	nextSeq uint64

	kick chan struct{}
	done chan struct{}
}

// New は Queue を作成します。Start を呼ぶまで処理ループは動きません。
func New(processor Processor, promoter Promoter, postStore PostCreator, opts Options) *Queue {
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	if opts.Retention <= 0 {
		opts.Retention = 5 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Queue{
		opts:      opts,
		processor: processor,
		promoter:  promoter,
		postStore: postStore,
		logger:    logger,
		jobs:      make(map[string]*Job),
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start はバックグラウンド処理ループを起動します。
func (q *Queue) Start(ctx context.Context) {
	go q.run(ctx)
}

// Wait はループの終了を待ちます。Start 後にのみ意味を持ちます。
func (q *Queue) Wait() {
	<-q.done
}

// Add はジョブを pending で登録し、ジョブIDを返します。
// タイマーを待たずに処理を試みるため、ループを1回起こします。
func (q *Queue) Add(ownerID string, files []UploadFile, post PostInput) string {
	id := uuid.NewString()
	now := time.Now().UTC()

	q.mu.Lock()
	q.nextSeq++
	q.jobs[id] = &Job{
		ID:        id,
		OwnerID:   ownerID,
		Files:     files,
		Post:      post,
		Status:    StatusPending,
		Progress:  0,
		CreatedAt: now,
		seq:       q.nextSeq,
	}
	q.mu.Unlock()

	// 空いていれば即時に1回動かす。処理中ならタイマー任せでよい。
	select {
	case q.kick <- struct{}{}:
	default:
	}
	return id
}

// Get はジョブのスナップショットを返します。存在しなければ false を返します。
// 保持期限切れで削除済みのジョブも単に「存在しない」扱いです。
func (q *Queue) Get(id string) (*Job, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, false
	}
	return job.clone(), true
}

// GetStats は現在のレジストリに対する状態別件数を返します。
func (q *Queue) GetStats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := Stats{Total: len(q.jobs)}
	for _, job := range q.jobs {
		switch job.Status {
		case StatusPending:
			stats.Pending++
		case StatusProcessing:
			stats.Processing++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)

	ticker := time.NewTicker(q.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.kick:
		}
		q.tick(ctx)
	}
}

// tick は最も古い pending ジョブを1件選んで最後まで処理します。
// 単一ゴルーチンから呼ばれるため排他制御は不要です。
func (q *Queue) tick(ctx context.Context) {
	job := q.takeOldestPending()
	if job == nil {
		return
	}
	q.process(ctx, job)
}

// takeOldestPending は作成順で最古の pending ジョブを processing へ遷移させて返します。
func (q *Queue) takeOldestPending() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var oldest *Job
	for _, job := range q.jobs {
		if job.Status != StatusPending {
			continue
		}
		if oldest == nil || job.seq < oldest.seq {
			oldest = job
		}
	}
	if oldest == nil {
		return nil
	}

	next := oldest.clone()
	next.Status = StatusProcessing
	// ポーリング中のクライアントに着手を知らせるため0以外の値を入れる
	next.Progress = progressStarted
	q.jobs[next.ID] = next
	return next.clone()
}

func (q *Queue) process(ctx context.Context, job *Job) {
	if q.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.opts.JobTimeout)
		defer cancel()
	}

	// 原本の後始末が終わった後、ジョブ専用のステージングディレクトリも回収する。
	// recover 側の削除より後に走るよう、先に登録しておく。
	defer q.removeStagingDirs(job.Files)

	// 1ジョブの失敗でループを止めない。panic もここで failed に変換する。
	defer func() {
		if r := recover(); r != nil {
			q.failJob(job.ID, fmt.Sprintf("panic during processing: %v", r))
			q.removeFiles(job.Files)
		}
	}()

	renditions := make([]Rendition, 0, len(job.Files))
	total := len(job.Files)

	for i, file := range job.Files {
		if err := ctx.Err(); err != nil {
			q.failJob(job.ID, fmt.Sprintf("processing aborted: %v", err))
			q.removeFiles(job.Files[i:])
			return
		}

		out, err := q.processFile(ctx, file)
		if err != nil {
			// 1ファイルの失敗はジョブ全体を落とさずスキップする
			q.logger.Printf("job %s: skipping file %q: %v", job.ID, file.OriginalName, err)
		} else {
			renditions = append(renditions, out...)
		}

		progress := progressStarted + (i+1)*(progressFilesDone-progressStarted)/total
		q.updateJob(job.ID, func(j *Job) {
			j.Progress = progress
		})
	}

	if err := ctx.Err(); err != nil {
		q.failJob(job.ID, fmt.Sprintf("processing aborted: %v", err))
		return
	}

	q.updateJob(job.ID, func(j *Job) {
		j.Progress = progressPersist
	})

	created, err := q.postStore.CreatePost(ctx, buildPost(job, renditions))
	if err != nil {
		q.failJob(job.ID, fmt.Sprintf("post creation failed: %v", err))
		return
	}

	now := time.Now().UTC()
	q.updateJob(job.ID, func(j *Job) {
		j.Status = StatusCompleted
		j.Progress = progressComplete
		j.Result = created
		j.CompletedAt = &now
	})

	// 遅いポーリングでも完了を観測できるよう、保持期限後に削除する。
	// failed は運用調査のため自動削除しない。
	time.AfterFunc(q.opts.Retention, func() {
		q.remove(job.ID)
	})
}

// processFile は1ファイル分のレンディション生成と原本削除を行います。
// 閾値以下の画像は圧縮済みとみなし、処理せずそのまま恒久ストレージへ移します。
func (q *Queue) processFile(ctx context.Context, file UploadFile) ([]Rendition, error) {
	if isImageMime(file.MimeType) && q.opts.PassthroughBytes > 0 && file.SizeBytes <= q.opts.PassthroughBytes {
		url, err := q.promoter.Promote(ctx, file.Path, file.OriginalName)
		if err != nil {
			q.removeFile(file.Path)
			return nil, fmt.Errorf("failed to promote pre-compressed image: %w", err)
		}
		return []Rendition{{
			Kind:      "image",
			Label:     "original",
			URL:       url,
			SizeBytes: file.SizeBytes,
		}}, nil
	}

	out, err := q.processor.Process(ctx, file.Path, file.MimeType)

	// レンディション生成の成否に関わらず原本は即座に削除し、
	// ディスク使用量とデコードバッファの滞留を抑える。
	q.removeFile(file.Path)

	if err != nil {
		return nil, err
	}
	return out, nil
}

func (q *Queue) failJob(id, message string) {
	now := time.Now().UTC()
	q.updateJob(id, func(j *Job) {
		j.Status = StatusFailed
		j.Error = message
		j.CompletedAt = &now
	})
}

// updateJob はジョブのクローンに変更を適用してから差し替えます。
// 読み取り側に部分更新が見えないようにするための唯一の更新経路です。
func (q *Queue) updateJob(id string, mutate func(*Job)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	current, ok := q.jobs[id]
	if !ok {
		return
	}
	next := current.clone()
	mutate(next)
	q.jobs[id] = next
}

func (q *Queue) remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.jobs, id)
}

func (q *Queue) removeFiles(files []UploadFile) {
	for _, file := range files {
		q.removeFile(file.Path)
	}
}

// removeStagingDirs はファイルの親ディレクトリ（ジョブ専用のステージング）を削除します。
// 原本削除後は空になっている前提で、空でなければエラーをログに残すだけです。
func (q *Queue) removeStagingDirs(files []UploadFile) {
	seen := make(map[string]struct{}, 1)
	for _, file := range files {
		if file.Path == "" {
			continue
		}
		dir := filepath.Dir(file.Path)
		if _, ok := seen[dir]; ok {
			continue
		}
		seen[dir] = struct{}{}
		if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
			q.logger.Printf("failed to remove staging dir %q: %v", dir, err)
		}
	}
}

func (q *Queue) removeFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		q.logger.Printf("failed to remove upload file %q: %v", path, err)
	}
}

// buildPost は成功したレンディションから投稿レコードの入力を組み立てます。
// プレビューには画像を優先し、動画は最初の1本をセカンダリとして採用します。
func buildPost(job *Job, renditions []Rendition) *posts.NewPost {
	post := &posts.NewPost{
		UserID:     job.OwnerID,
		Content:    job.Post.Content,
		Visibility: job.Post.Visibility,
		Location:   job.Post.Location,
		Hashtags:   job.Post.Hashtags,
		Mentions:   job.Post.Mentions,
	}
	for _, r := range renditions {
		post.MediaURLs = append(post.MediaURLs, r.URL)
		switch r.Kind {
		case "image":
			if post.ImageURL == "" {
				post.ImageURL = r.URL
			}
		case "video":
			if post.VideoURL == "" {
				post.VideoURL = r.URL
			}
		}
	}
	return post
}

func isImageMime(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/")
}
