package storage

import "time"

type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

type Conversation struct {
	ID           int64     `json:"id"`
	Participants []User    `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
}

// Message is either direct (Receiver set) or belongs to a conversation
// (Conversation set); exactly one of the two is non-zero.
type Message struct {
	ID           int64      `json:"id"`
	Sender       int64      `json:"sender"`
	Receiver     int64      `json:"receiver,omitempty"`
	Conversation int64      `json:"conversation,omitempty"`
	Parent       int64      `json:"parent,omitempty"`
	Text         string     `json:"text"`
	CreatedAt    time.Time  `json:"created_at"`
	Edited       bool       `json:"edited"`
	EditedAt     *time.Time `json:"edited_at,omitempty"`
	EditedBy     int64      `json:"edited_by,omitempty"`
	Read         bool       `json:"read"`
}

// MessageHistory holds the pre-edit text of a message. Rows are written
// inside the edit transaction and never change afterwards.
type MessageHistory struct {
	ID       int64     `json:"id"`
	Message  int64     `json:"message"`
	OldText  string    `json:"old_text"`
	EditedAt time.Time `json:"edited_at"`
	EditedBy int64     `json:"edited_by,omitempty"`
}

type Notification struct {
	ID        int64     `json:"id"`
	User      int64     `json:"user"`
	Message   int64     `json:"message"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage carries the client-supplied fields of a message to be created.
// Receiver and Conversation are mutually exclusive; Parent is zero for a
// thread root.
type NewMessage struct {
	Sender       int64
	Receiver     int64
	Conversation int64
	Parent       int64
	Text         string
}

// Thread is a message and its transitive replies, ordered by reply creation
// time ascending at each level.
type Thread struct {
	Message Message   `json:"message"`
	Replies []*Thread `json:"replies"`
}
