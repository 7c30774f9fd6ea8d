package posts

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore はプロセス内メモリに投稿を保持する Store 実装です。
// ローカル開発とテストで使用します。
type MemoryStore struct {
	mu    sync.RWMutex
	posts map[string]*Post
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore は MemoryStore を作成します。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		posts: make(map[string]*Post),
	}
}

// CreatePost は投稿を保存して返します。
func (s *MemoryStore) CreatePost(_ context.Context, post *NewPost) (*Post, error) {
	created := &Post{
		ID:         uuid.NewString(),
		UserID:     post.UserID,
		Content:    post.Content,
		Visibility: post.Visibility,
		Location:   post.Location,
		Hashtags:   post.Hashtags,
		Mentions:   post.Mentions,
		ImageURL:   post.ImageURL,
		VideoURL:   post.VideoURL,
		MediaURLs:  post.MediaURLs,
		CreatedAt:  time.Now().UTC(),
	}

	s.mu.Lock()
	s.posts[created.ID] = created
	s.mu.Unlock()

	return created, nil
}

// Get は保存済み投稿を返します。存在しなければ false を返します。
func (s *MemoryStore) Get(id string) (*Post, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	post, ok := s.posts[id]
	return post, ok
}

// Len は保存済み投稿数を返します。
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.posts)
}
