package store

import "time"

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Node is the owning record for one research object. DocumentID is the
// internal handle the sync engine and chunk table key on; UUID is the
// identifier the rest of the platform sees.
type Node struct {
	UUID       string
	DocumentID string
	OwnerID    string
	Title      string
	IsPublic   bool
	DeletedAt  *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Collaborator grants a capability set on one node to one user.
type Collaborator struct {
	NodeUUID  string
	UserID    string
	CanWrite  bool
	GrantedBy string
	GrantedAt time.Time
}

// ShareCode is an anonymous grant: anyone presenting the code (and the
// password, when set) gets the recorded capability on the node.
type ShareCode struct {
	Code         string
	NodeUUID     string
	CanWrite     bool
	PasswordHash *string
	CreatedBy    string
	CreatedAt    time.Time
	RevokedAt    *time.Time
}

// Chunk is one immutable unit of persisted replicated state for a
// document, either an incremental change record or a compaction snapshot.
type Chunk struct {
	DocumentID string
	Key        string
	Payload    []byte
	CreatedAt  time.Time
}
