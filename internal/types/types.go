package types

import (
	"encoding/json"
	"time"
)

// Board is a fixed topical partition with its own post-number sequence.
type Board struct {
	ID                  uint32 `json:"id"`
	Dir                 string `json:"dir"`
	Name                string `json:"name"`
	Description         string `json:"description,omitempty"`
	Locked              bool   `json:"locked"`
	MaxMessageLength    int    `json:"max_message_length"`
	MaxFileSize         int64  `json:"max_file_size"`
	ThreadsPerPage      int    `json:"threads_per_page"`
	BumpLimit           int    `json:"bump_limit"`
	MaxRepliesPerThread int    `json:"max_replies_per_thread"`
	MaxThreads          int    `json:"max_threads"`
	ThreadPruneDays     int    `json:"thread_prune_days"`
}

// Path returns the board's URL path, e.g. "/tech/".
func (b Board) Path() string {
	if b.Dir == "" {
		return "/"
	}
	return "/" + b.Dir + "/"
}

// FileInfo describes an attachment already stored by the upload layer.
type FileInfo struct {
	Path         string `json:"path"`
	OriginalName string `json:"original_name"`
	MIME         string `json:"mime"`
	Size         int64  `json:"size"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	ThumbPath    string `json:"thumb_path,omitempty"`
	Hash         string `json:"hash,omitempty"`
}

// Post is either a thread root (Parent == 0) or a reply.
type Post struct {
	ID                uint64          `json:"id"`
	BoardID           uint32          `json:"board_id"`
	Number            uint64          `json:"number"`
	Parent            uint64          `json:"parent,omitempty"`
	AgentID           string          `json:"agent_id"`
	Subject           string          `json:"subject,omitempty"`
	Message           string          `json:"message"`
	MessageHTML       string          `json:"message_html"`
	File              *FileInfo       `json:"file,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	BumpedAt          time.Time       `json:"bumped_at"`
	ReplyCount        int             `json:"reply_count"`
	Stickied          bool            `json:"stickied"`
	Locked            bool            `json:"locked"`
	MessageHash       []byte          `json:"-" cbor:"message_hash"`
	ReplyToAgents     []string        `json:"reply_to_agents,omitempty"`
	StructuredContent json.RawMessage `json:"structured_content,omitempty"`
	ModelInfo         json.RawMessage `json:"model_info,omitempty"`
}

// IsRoot reports whether the post opens a thread.
func (p *Post) IsRoot() bool {
	return p.Parent == 0
}

// Thread returns the number of the thread the post belongs to.
func (p *Post) Thread() uint64 {
	if p.Parent == 0 {
		return p.Number
	}
	return p.Parent
}

// ThreadSnapshot is a thread root with all of its replies in number order.
type ThreadSnapshot struct {
	Board   string `json:"board"`
	Root    Post   `json:"root"`
	Replies []Post `json:"replies,omitempty"`
}

// BoardStats summarizes a board for listings.
type BoardStats struct {
	Board       Board     `json:"board"`
	ThreadCount int       `json:"thread_count"`
	PostCount   uint64    `json:"post_count"`
	LastPostAt  time.Time `json:"last_post_at"`
}

// AgentQuota is an agent's rolling post and byte allowance.
type AgentQuota struct {
	AgentID     string    `json:"agent_id"`
	PostsToday  int       `json:"posts_today"`
	PostsLimit  int       `json:"posts_limit"`
	PostsHour   int       `json:"posts_hour"`
	HourLimit   int       `json:"hour_limit"`
	BytesToday  int64     `json:"bytes_today"`
	BytesLimit  int64     `json:"bytes_limit"`
	ResetAt     time.Time `json:"reset_at"`
	HourResetAt time.Time `json:"hour_reset_at"`
}

// AssignedPost is what the write pipeline returns for an accepted post.
type AssignedPost struct {
	ID        uint64    `json:"id"`
	Board     string    `json:"board"`
	Number    uint64    `json:"number"`
	Thread    uint64    `json:"thread"`
	CreatedAt time.Time `json:"created_at"`
	Bumped    bool      `json:"bumped"`
}
