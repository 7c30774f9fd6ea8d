package jobs

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mundotango/media-api/internal/posts"
	"github.com/mundotango/media-api/internal/storage"
)

type stubProcessor struct {
	mu    sync.Mutex
	paths []string
	fn    func(ctx context.Context, path, mimeType string) ([]Rendition, error)
}

func (s *stubProcessor) Process(ctx context.Context, path, mimeType string) ([]Rendition, error) {
	s.mu.Lock()
	s.paths = append(s.paths, path)
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(ctx, path, mimeType)
	}
	return []Rendition{{Kind: "image", Label: "large", URL: "/media/" + filepath.Base(path)}}, nil
}

func (s *stubProcessor) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

type stubPostStore struct {
	mu    sync.Mutex
	saved []*posts.NewPost
	err   error
}

func (s *stubPostStore) CreatePost(_ context.Context, post *posts.NewPost) (*posts.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.saved = append(s.saved, post)
	return &posts.Post{
		ID:        fmt.Sprintf("post-%d", len(s.saved)),
		UserID:    post.UserID,
		Content:   post.Content,
		ImageURL:  post.ImageURL,
		VideoURL:  post.VideoURL,
		MediaURLs: post.MediaURLs,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (s *stubPostStore) lastSaved() *posts.NewPost {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return nil
	}
	return s.saved[len(s.saved)-1]
}

func newTestQueue(t *testing.T, processor Processor, postStore PostCreator, opts Options) *Queue {
	t.Helper()

	mediaStore, err := storage.NewLocal(t.TempDir(), "/media")
	require.NoError(t, err)

	if opts.Interval == 0 {
		opts.Interval = 10 * time.Millisecond
	}
	if opts.Retention == 0 {
		opts.Retention = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "test ", log.LstdFlags)
	}

	q := New(processor, mediaStore, postStore, opts)

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	t.Cleanup(func() {
		cancel()
		q.Wait()
	})
	return q
}

func writeUploadFile(t *testing.T, dir, name, content string) UploadFile {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
	mime := "image/jpeg"
	if filepath.Ext(name) == ".mp4" {
		mime = "video/mp4"
	}
	return UploadFile{
		Path:         path,
		MimeType:     mime,
		OriginalName: name,
		SizeBytes:    int64(len(content)),
	}
}

func waitForTerminal(t *testing.T, q *Queue, id string) *Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := q.Get(id)
		require.True(t, ok, "job disappeared before reaching a terminal state")
		if job.Terminal() {
			return job
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal state in time")
	return nil
}

func TestQueuePassthroughSkipsProcessor(t *testing.T) {
	processor := &stubProcessor{}
	postStore := &stubPostStore{}
	q := newTestQueue(t, processor, postStore, Options{PassthroughBytes: 1024})

	dir := t.TempDir()
	fileA := writeUploadFile(t, dir, "a.jpg", "small-image-a")
	fileB := writeUploadFile(t, dir, "b.jpg", "small-image-b")

	id := q.Add("user-1", []UploadFile{fileA, fileB}, PostInput{Content: "two photos"})
	job := waitForTerminal(t, q, id)

	require.Equal(t, StatusCompleted, job.Status)
	require.Equal(t, 100, job.Progress)
	require.Empty(t, job.Error)
	require.NotNil(t, job.Result)
	require.NotNil(t, job.CompletedAt)

	// 閾値以下の画像は再圧縮せずに通す
	require.Empty(t, processor.calls())

	saved := postStore.lastSaved()
	require.NotNil(t, saved)
	require.Len(t, saved.MediaURLs, 2)
	require.Equal(t, saved.MediaURLs[0], saved.ImageURL)

	// 原本はストレージへ移動済みで一時ディレクトリには残らない
	require.NoFileExists(t, fileA.Path)
	require.NoFileExists(t, fileB.Path)
}

func TestQueueRemovesStagingDir(t *testing.T) {
	processor := &stubProcessor{}
	postStore := &stubPostStore{}
	q := newTestQueue(t, processor, postStore, Options{})

	uploadDir := t.TempDir()
	staging := filepath.Join(uploadDir, "job-a")
	require.NoError(t, os.MkdirAll(staging, 0o750))
	file := writeUploadFile(t, staging, "a.jpg", "payload")

	id := q.Add("user-1", []UploadFile{file}, PostInput{})
	job := waitForTerminal(t, q, id)
	require.Equal(t, StatusCompleted, job.Status)

	// 原本と一緒にジョブ専用のステージングディレクトリも回収される
	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(uploadDir)
		return err == nil && len(entries) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestQueueFIFOOrder(t *testing.T) {
	processor := &stubProcessor{
		fn: func(ctx context.Context, path, _ string) ([]Rendition, error) {
			time.Sleep(20 * time.Millisecond)
			return []Rendition{{Kind: "image", Label: "large", URL: "/media/" + filepath.Base(path)}}, nil
		},
	}
	postStore := &stubPostStore{}
	q := newTestQueue(t, processor, postStore, Options{})

	var ids []string
	for i := 0; i < 3; i++ {
		// 実運用と同じくジョブごとに専用ディレクトリを持たせる
		file := writeUploadFile(t, t.TempDir(), fmt.Sprintf("f%d.jpg", i), "data-that-exceeds-nothing")
		ids = append(ids, q.Add("user-1", []UploadFile{file}, PostInput{}))
	}

	for _, id := range ids {
		job := waitForTerminal(t, q, id)
		require.Equal(t, StatusCompleted, job.Status)
	}

	calls := processor.calls()
	require.Len(t, calls, 3)
	for i, path := range calls {
		require.Equal(t, fmt.Sprintf("f%d.jpg", i), filepath.Base(path))
	}
}

func TestQueueSingleFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 3)
	processor := &stubProcessor{
		fn: func(ctx context.Context, _, _ string) ([]Rendition, error) {
			started <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return nil, nil
		},
	}
	postStore := &stubPostStore{}
	q := newTestQueue(t, processor, postStore, Options{})

	for i := 0; i < 3; i++ {
		file := writeUploadFile(t, t.TempDir(), fmt.Sprintf("f%d.jpg", i), "payload")
		q.Add("user-1", []UploadFile{file}, PostInput{})
	}

	// 先頭のジョブが処理に入るのを待つ
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("first job never started")
	}

	// 処理中は常に最大1件。残りは pending のまま待機する。
	for i := 0; i < 10; i++ {
		stats := q.GetStats()
		require.LessOrEqual(t, stats.Processing, 1)
		require.Equal(t, stats.Total, stats.Pending+stats.Processing+stats.Completed+stats.Failed)
		time.Sleep(2 * time.Millisecond)
	}
	stats := q.GetStats()
	require.Equal(t, 1, stats.Processing)
	require.Equal(t, 2, stats.Pending)

	close(release)
}

func TestQueueProgressMonotonic(t *testing.T) {
	processor := &stubProcessor{
		fn: func(ctx context.Context, _, _ string) ([]Rendition, error) {
			time.Sleep(15 * time.Millisecond)
			return nil, nil
		},
	}
	postStore := &stubPostStore{}
	q := newTestQueue(t, processor, postStore, Options{})

	dir := t.TempDir()
	files := []UploadFile{
		writeUploadFile(t, dir, "a.jpg", "one"),
		writeUploadFile(t, dir, "b.jpg", "two"),
		writeUploadFile(t, dir, "c.jpg", "three"),
	}
	id := q.Add("user-1", files, PostInput{})

	var readings []int
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := q.Get(id)
		require.True(t, ok)
		readings = append(readings, job.Progress)
		if job.Terminal() {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	require.NotEmpty(t, readings)
	for i := 1; i < len(readings); i++ {
		require.GreaterOrEqual(t, readings[i], readings[i-1],
			"progress went backwards: %v", readings)
	}
	require.Equal(t, 100, readings[len(readings)-1])
}

func TestQueueSkipsFailedFile(t *testing.T) {
	processor := &stubProcessor{
		fn: func(ctx context.Context, path, _ string) ([]Rendition, error) {
			return nil, fmt.Errorf("decode failed for %s", filepath.Base(path))
		},
	}
	postStore := &stubPostStore{}
	q := newTestQueue(t, processor, postStore, Options{})

	dir := t.TempDir()
	file := writeUploadFile(t, dir, "broken.jpg", "not really an image")
	id := q.Add("user-1", []UploadFile{file}, PostInput{Content: "text still posts"})

	job := waitForTerminal(t, q, id)

	// 1ファイルの失敗はログに残すだけでジョブは完走する
	require.Equal(t, StatusCompleted, job.Status)
	require.Empty(t, job.Error)

	saved := postStore.lastSaved()
	require.NotNil(t, saved)
	require.Empty(t, saved.MediaURLs)

	require.NoFileExists(t, file.Path)
}

func TestQueuePersistFailureFailsJob(t *testing.T) {
	processor := &stubProcessor{}
	postStore := &stubPostStore{err: fmt.Errorf("db unavailable")}
	q := newTestQueue(t, processor, postStore, Options{Retention: 20 * time.Millisecond})

	uploadDir := t.TempDir()
	staging := filepath.Join(uploadDir, "job-a")
	require.NoError(t, os.MkdirAll(staging, 0o750))
	file := writeUploadFile(t, staging, "a.jpg", "payload")
	id := q.Add("user-1", []UploadFile{file}, PostInput{})

	job := waitForTerminal(t, q, id)

	require.Equal(t, StatusFailed, job.Status)
	require.Contains(t, job.Error, "post creation failed")
	require.Nil(t, job.Result)
	require.NotNil(t, job.CompletedAt)
	require.NoFileExists(t, file.Path)

	// 失敗終了でもステージングディレクトリは残さない
	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(uploadDir)
		return err == nil && len(entries) == 0
	}, time.Second, 5*time.Millisecond)

	// failed は保持期限後も自動削除されない
	time.Sleep(60 * time.Millisecond)
	_, ok := q.Get(id)
	require.True(t, ok)
}

func TestQueueRetentionPurgesCompleted(t *testing.T) {
	processor := &stubProcessor{}
	postStore := &stubPostStore{}
	q := newTestQueue(t, processor, postStore, Options{Retention: 50 * time.Millisecond})

	dir := t.TempDir()
	file := writeUploadFile(t, dir, "a.jpg", "payload")
	id := q.Add("user-1", []UploadFile{file}, PostInput{})

	job := waitForTerminal(t, q, id)
	require.Equal(t, StatusCompleted, job.Status)

	// 保持期限を過ぎたら not-found になる
	require.Eventually(t, func() bool {
		_, ok := q.Get(id)
		return !ok
	}, time.Second, 5*time.Millisecond)

	stats := q.GetStats()
	require.Equal(t, 0, stats.Total)
}

func TestQueueJobTimeout(t *testing.T) {
	processor := &stubProcessor{
		fn: func(ctx context.Context, path, _ string) ([]Rendition, error) {
			if filepath.Base(path) != "slow.mp4" {
				return nil, nil
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return nil, nil
			}
		},
	}
	postStore := &stubPostStore{}
	q := newTestQueue(t, processor, postStore, Options{JobTimeout: 30 * time.Millisecond})

	slow := writeUploadFile(t, t.TempDir(), "slow.mp4", "video-bytes")
	next := writeUploadFile(t, t.TempDir(), "next.jpg", "image-bytes")
	slowID := q.Add("user-1", []UploadFile{slow}, PostInput{})
	nextID := q.Add("user-1", []UploadFile{next}, PostInput{})

	job := waitForTerminal(t, q, slowID)
	require.Equal(t, StatusFailed, job.Status)
	require.NotEmpty(t, job.Error)
	require.NoFileExists(t, slow.Path)

	// タイムアウトしたジョブが後続を塞がないこと
	nextJob := waitForTerminal(t, q, nextID)
	require.Equal(t, StatusCompleted, nextJob.Status)
}

func TestQueueGetUnknownJob(t *testing.T) {
	q := newTestQueue(t, &stubProcessor{}, &stubPostStore{}, Options{})

	_, ok := q.Get("no-such-job")
	require.False(t, ok)
}

func TestQueueStatsSum(t *testing.T) {
	processor := &stubProcessor{
		fn: func(ctx context.Context, _, _ string) ([]Rendition, error) {
			time.Sleep(5 * time.Millisecond)
			return nil, nil
		},
	}
	postStore := &stubPostStore{}
	q := newTestQueue(t, processor, postStore, Options{})

	var ids []string
	for i := 0; i < 5; i++ {
		file := writeUploadFile(t, t.TempDir(), fmt.Sprintf("f%d.jpg", i), "payload")
		ids = append(ids, q.Add("user-1", []UploadFile{file}, PostInput{}))

		stats := q.GetStats()
		require.Equal(t, stats.Total, stats.Pending+stats.Processing+stats.Completed+stats.Failed)
	}

	for _, id := range ids {
		waitForTerminal(t, q, id)
	}
	stats := q.GetStats()
	require.Equal(t, 5, stats.Completed)
	require.Equal(t, stats.Total, stats.Pending+stats.Processing+stats.Completed+stats.Failed)
}
