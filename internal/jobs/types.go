package jobs

import "time"

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// UploadFile はディスクに書き込み済みのアップロードファイル1件を表します。
// ジョブ作成後は変更されません。
type UploadFile struct {
	Path         string `json:"path"`
	MimeType     string `json:"mimeType"`
	OriginalName string `json:"originalName"`
	SizeBytes    int64  `json:"sizeBytes"`
}

// PostInput は投稿作成時にPostStoreへ引き渡すメタデータです。
type PostInput struct {
	Content    string   `json:"content"`
	Visibility string   `json:"visibility"`
	Location   string   `json:"location,omitempty"`
	Hashtags   []string `json:"hashtags,omitempty"`
	Mentions   []string `json:"mentions,omitempty"`
}

// Rendition はメディア処理で生成された派生ファイル1件を表します。
type Rendition struct {
	Kind      string `json:"kind"` // "image" または "video"
	Label     string `json:"label"`
	URL       string `json:"url"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	SizeBytes int64  `json:"sizeBytes"`
}

// Job はアップロードから投稿作成までの作業単位を表します。
// レジストリ内の Job はスナップショット交換方式で更新されるため、
// 取得した値が途中状態で書き換わることはありません。
type Job struct {
	ID          string       `json:"jobId"`
	OwnerID     string       `json:"ownerId"`
	Files       []UploadFile `json:"files"`
	Post        PostInput    `json:"post"`
	Status      Status       `json:"status"`
	Progress    int          `json:"progress"`
	Result      any          `json:"result,omitempty"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`

	// seq は同時刻に作成されたジョブのFIFO順を保証するための連番です。
	seq uint64
}

func (j *Job) clone() *Job {
	next := *j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		next.CompletedAt = &t
	}
	return &next
}

// Terminal は終端状態（completed / failed）かどうかを返します。
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// Stats はレジストリ内ジョブの状態別件数です。
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}
