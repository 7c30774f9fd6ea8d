// Package posts は投稿レコードの永続化を提供します。
package posts

import (
	"context"
	"time"
)

// NewPost は投稿作成の入力です。
type NewPost struct {
	UserID     string
	Content    string
	Visibility string
	Location   string
	Hashtags   []string
	Mentions   []string
	ImageURL   string // プレビュー用のプライマリ画像
	VideoURL   string // セカンダリの動画
	MediaURLs  []string
}

// Post は永続化済みの投稿レコードです。
type Post struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Content    string    `json:"content"`
	Visibility string    `json:"visibility"`
	Location   string    `json:"location,omitempty"`
	Hashtags   []string  `json:"hashtags,omitempty"`
	Mentions   []string  `json:"mentions,omitempty"`
	ImageURL   string    `json:"imageUrl,omitempty"`
	VideoURL   string    `json:"videoUrl,omitempty"`
	MediaURLs  []string  `json:"mediaUrls,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store は投稿の保存先が実装します。
type Store interface {
	CreatePost(ctx context.Context, post *NewPost) (*Post, error)
}
