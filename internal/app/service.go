package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"lattice/api/internal/access"
	"lattice/api/internal/auth"
	"lattice/api/internal/config"
	"lattice/api/internal/crdt"
	"lattice/api/internal/store"
	"lattice/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

type CreateNodeInput struct {
	UUID     string                     `json:"uuid"`
	OwnerID  string                     `json:"ownerId"`
	Title    string                     `json:"title"`
	IsPublic bool                       `json:"isPublic"`
	Manifest map[string]json.RawMessage `json:"manifest"`
}

type CreateShareCodeInput struct {
	CanWrite bool   `json:"canWrite"`
	Password string `json:"password"`
}

type CreateUserInput struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Password    string `json:"password"`
}

type GrantCollaboratorInput struct {
	UserID    string `json:"userId"`
	CanWrite  bool   `json:"canWrite"`
	GrantedBy string `json:"grantedBy"`
}

type nodeStore interface {
	GetNodeByUUID(context.Context, string) (store.Node, error)
	InsertNode(context.Context, store.Node) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	CreateUser(context.Context, store.User) error
	UpsertCollaborator(context.Context, store.Collaborator) error
	RemoveCollaborator(ctx context.Context, nodeUUID, userID string) error
	InsertShareCode(context.Context, store.ShareCode) error
	RevokeShareCode(context.Context, string) error
	ChunkCount(ctx context.Context, documentID string) (int, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	Ping(ctx context.Context) error
}

type accessGuard interface {
	Check(ctx context.Context, identity, nodeUUID string, capability access.Capability) (bool, error)
	CheckShareCode(ctx context.Context, code, password string, capability access.Capability) (string, bool, error)
}

type syncParty interface {
	GetDocument(ctx context.Context, documentID string) (map[string]json.RawMessage, error)
	CreateDocument(ctx context.Context, documentID, actor string, manifest map[string]json.RawMessage) (map[string]json.RawMessage, error)
	ApplyChange(ctx context.Context, documentID string, record crdt.ChangeRecord) (map[string]json.RawMessage, error)
	Compact(ctx context.Context, documentID string) error
	ExportChunks(ctx context.Context, documentID string) ([]store.Chunk, error)
}

type Service struct {
	cfg      config.Config
	store    nodeStore
	sessions sessionStore
	guard    accessGuard
	gate     *auth.ServiceGate
	party    syncParty
}

func New(cfg config.Config, nodeStore nodeStore, sessions sessionStore, guard accessGuard, party syncParty) *Service {
	return &Service{
		cfg:      cfg,
		store:    nodeStore,
		sessions: sessions,
		guard:    guard,
		gate:     auth.NewServiceGate(cfg.ServiceSecret),
		party:    party,
	}
}

// VerifyServiceSecret gates trusted internal callers.
func (s *Service) VerifyServiceSecret(presented string) bool {
	return s.gate.Verify(presented)
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return Session{}, domainError(401, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return Session{}, domainError(401, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	userID, err := s.sessions.LookupRefreshSession(ctx, auth.HashToken(refreshToken))
	if err != nil {
		return Session{}, domainError(401, "INVALID_REFRESH", "Invalid or expired refresh token", nil)
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, domainError(401, "INVALID_REFRESH", "Invalid or expired refresh token", nil)
	}
	// Rotate: the old refresh token dies with this exchange.
	if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
		return Session{}, fmt.Errorf("rotate refresh session: %w", err)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

func (s *Service) SessionFromToken(token string) (auth.Claims, error) {
	return auth.ParseToken([]byte(s.cfg.TokenSecret), token)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	jti := util.NewID("")
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}

	refreshToken := newRefreshToken()
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refreshToken), user.ID, time.Now().Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refreshToken,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// GetNodeDocument returns the materialized manifest for a node, gated on
// read access for the caller identity.
func (s *Service) GetNodeDocument(ctx context.Context, identity, nodeUUID string) (map[string]json.RawMessage, error) {
	allowed, err := s.guard.Check(ctx, identity, nodeUUID, access.CapRead)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrDenied
	}
	node, err := s.store.GetNodeByUUID(ctx, nodeUUID)
	if err != nil {
		return nil, err
	}
	return s.party.GetDocument(ctx, node.DocumentID)
}

// GetSharedDocument resolves a share code to its node's manifest.
func (s *Service) GetSharedDocument(ctx context.Context, code, password string) (map[string]json.RawMessage, error) {
	nodeUUID, allowed, err := s.guard.CheckShareCode(ctx, code, password, access.CapRead)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrDenied
	}
	node, err := s.store.GetNodeByUUID(ctx, nodeUUID)
	if err != nil {
		return nil, err
	}
	if node.DeletedAt != nil {
		return nil, ErrDenied
	}
	return s.party.GetDocument(ctx, node.DocumentID)
}

// CreateNode registers the owning record and seeds the document replica.
// Trusted internal callers only; the HTTP layer verifies the service
// secret before this is reached.
func (s *Service) CreateNode(ctx context.Context, input CreateNodeInput) (map[string]json.RawMessage, error) {
	if input.UUID == "" || input.OwnerID == "" {
		return nil, domainError(400, "INVALID_BODY", "uuid and ownerId are required", nil)
	}
	if _, err := s.store.GetUserByID(ctx, input.OwnerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domainError(400, "UNKNOWN_OWNER", "Owner does not exist", nil)
		}
		return nil, err
	}

	node := store.Node{
		UUID:       input.UUID,
		DocumentID: util.NewID("doc"),
		OwnerID:    input.OwnerID,
		Title:      input.Title,
		IsPublic:   input.IsPublic,
	}
	if err := s.store.InsertNode(ctx, node); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		// The node row may be left over from a create whose seed persist
		// failed after the insert. Re-seeding an empty chunk set makes a
		// retried create succeed; a node whose document already has chunks
		// is a real conflict, surfaced by CreateDocument below.
		existing, getErr := s.store.GetNodeByUUID(ctx, input.UUID)
		if getErr != nil {
			return nil, getErr
		}
		if existing.OwnerID != input.OwnerID {
			return nil, store.ErrConflict
		}
		node = existing
	}

	manifest := input.Manifest
	if manifest == nil {
		manifest = map[string]json.RawMessage{}
	}
	return s.party.CreateDocument(ctx, node.DocumentID, input.OwnerID, manifest)
}

// ApplyNodeChange merges a change record into a node's document, gated on
// write access for the caller identity.
func (s *Service) ApplyNodeChange(ctx context.Context, identity, nodeUUID string, payload json.RawMessage) (map[string]json.RawMessage, error) {
	allowed, err := s.guard.Check(ctx, identity, nodeUUID, access.CapWrite)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrDenied
	}
	record, err := crdt.DecodeChange(payload)
	if err != nil {
		return nil, err
	}
	node, err := s.store.GetNodeByUUID(ctx, nodeUUID)
	if err != nil {
		return nil, err
	}
	return s.party.ApplyChange(ctx, node.DocumentID, record)
}

// CreateShareCode mints an anonymous-access code for a node. Only the
// node's writers may share it.
func (s *Service) CreateShareCode(ctx context.Context, identity, nodeUUID string, input CreateShareCodeInput) (string, error) {
	allowed, err := s.guard.Check(ctx, identity, nodeUUID, access.CapWrite)
	if err != nil {
		return "", err
	}
	if !allowed {
		return "", ErrDenied
	}

	share := store.ShareCode{
		Code:      util.NewID("sh"),
		NodeUUID:  nodeUUID,
		CanWrite:  input.CanWrite,
		CreatedBy: identity,
	}
	if input.Password != "" {
		hash, err := access.HashSharePassword(input.Password)
		if err != nil {
			return "", fmt.Errorf("hash share password: %w", err)
		}
		share.PasswordHash = &hash
	}
	if err := s.store.InsertShareCode(ctx, share); err != nil {
		return "", err
	}
	return share.Code, nil
}

// CreateUser registers a platform account. Trusted internal callers only.
func (s *Service) CreateUser(ctx context.Context, input CreateUserInput) (store.User, error) {
	if input.Email == "" || input.Password == "" {
		return store.User{}, domainError(400, "INVALID_BODY", "email and password are required", nil)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}
	user := store.User{
		ID:           util.NewID("usr"),
		DisplayName:  input.DisplayName,
		Email:        input.Email,
		PasswordHash: string(hash),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return store.User{}, err
	}
	return user, nil
}

// GrantCollaborator grants or updates a user's capability set on a node.
func (s *Service) GrantCollaborator(ctx context.Context, nodeUUID string, input GrantCollaboratorInput) error {
	if input.UserID == "" {
		return domainError(400, "INVALID_BODY", "userId is required", nil)
	}
	if _, err := s.store.GetNodeByUUID(ctx, nodeUUID); err != nil {
		return err
	}
	if _, err := s.store.GetUserByID(ctx, input.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domainError(400, "UNKNOWN_USER", "User does not exist", nil)
		}
		return err
	}
	return s.store.UpsertCollaborator(ctx, store.Collaborator{
		NodeUUID:  nodeUUID,
		UserID:    input.UserID,
		CanWrite:  input.CanWrite,
		GrantedBy: input.GrantedBy,
	})
}

// RevokeCollaborator removes a user's grant on a node.
func (s *Service) RevokeCollaborator(ctx context.Context, nodeUUID, userID string) error {
	return s.store.RemoveCollaborator(ctx, nodeUUID, userID)
}

// RevokeShareCode kills an anonymous-access code.
func (s *Service) RevokeShareCode(ctx context.Context, code string) error {
	return s.store.RevokeShareCode(ctx, code)
}

// CompactNode folds a node's chunk set into one snapshot and reports the
// durable chunk count afterwards. Internal maintenance surface.
func (s *Service) CompactNode(ctx context.Context, nodeUUID string) (int, error) {
	node, err := s.store.GetNodeByUUID(ctx, nodeUUID)
	if err != nil {
		return 0, err
	}
	if err := s.party.Compact(ctx, node.DocumentID); err != nil {
		return 0, err
	}
	return s.store.ChunkCount(ctx, node.DocumentID)
}

// ExportNodeChunks returns the raw durable chunk set for a node.
// Internal maintenance surface.
func (s *Service) ExportNodeChunks(ctx context.Context, nodeUUID string) ([]store.Chunk, error) {
	node, err := s.store.GetNodeByUUID(ctx, nodeUUID)
	if err != nil {
		return nil, err
	}
	return s.party.ExportChunks(ctx, node.DocumentID)
}

// Ping checks the health of service dependencies.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := s.sessions.Ping(ctx); err != nil {
		return fmt.Errorf("sessions: %w", err)
	}
	return nil
}

func newRefreshToken() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
