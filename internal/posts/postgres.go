package posts

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore は投稿をPostgresに保存する Store 実装です。
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore は接続URLからストアを作成し、疎通を確認します。
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close はコネクションプールを閉じます。
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// CreatePost は posts テーブルに1行挿入し、採番されたIDを返します。
func (s *PostgresStore) CreatePost(ctx context.Context, post *NewPost) (*Post, error) {
	created := &Post{
		UserID:     post.UserID,
		Content:    post.Content,
		Visibility: post.Visibility,
		Location:   post.Location,
		Hashtags:   post.Hashtags,
		Mentions:   post.Mentions,
		ImageURL:   post.ImageURL,
		VideoURL:   post.VideoURL,
		MediaURLs:  post.MediaURLs,
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO posts (user_id, content, visibility, location, hashtags, mentions, image_url, video_url, media_urls, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, NOW())
		RETURNING id, created_at`,
		post.UserID,
		post.Content,
		post.Visibility,
		post.Location,
		pq.Array(post.Hashtags),
		pq.Array(post.Mentions),
		post.ImageURL,
		post.VideoURL,
		pq.Array(post.MediaURLs),
	).Scan(&created.ID, &created.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert post: %w", err)
	}

	return created, nil
}
