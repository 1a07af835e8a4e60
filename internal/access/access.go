// Package access resolves per-document read/write eligibility for a
// caller identity. Nothing here is cached across requests: ownership and
// collaborator grants can change between any two calls.
package access

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"lattice/api/internal/store"
)

type Capability string

const (
	CapRead  Capability = "read"
	CapWrite Capability = "write"
)

type nodeStore interface {
	GetNodeByUUID(ctx context.Context, nodeUUID string) (store.Node, error)
	ListCollaborators(ctx context.Context, nodeUUID string) ([]store.Collaborator, error)
	GetShareCode(ctx context.Context, code string) (store.ShareCode, error)
}

type Guard struct {
	store nodeStore
}

func NewGuard(nodeStore nodeStore) *Guard {
	return &Guard{store: nodeStore}
}

// Check reports whether the identity holds the capability on the node.
// A missing node, unknown identity, or insufficient grant is a plain
// deny, not an error; only backend failures surface as errors.
func (g *Guard) Check(ctx context.Context, identity, nodeUUID string, capability Capability) (bool, error) {
	node, err := g.store.GetNodeByUUID(ctx, nodeUUID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if node.DeletedAt != nil {
		return false, nil
	}
	if identity != "" && identity == node.OwnerID {
		return true, nil
	}
	if node.IsPublic && capability == CapRead {
		return true, nil
	}
	if identity == "" {
		return false, nil
	}

	collaborators, err := g.store.ListCollaborators(ctx, nodeUUID)
	if err != nil {
		return false, err
	}
	for _, collaborator := range collaborators {
		if collaborator.UserID != identity {
			continue
		}
		if capability == CapRead {
			return true, nil
		}
		return collaborator.CanWrite, nil
	}
	return false, nil
}

// CheckShareCode resolves an anonymous grant: the presented code (and
// password, when the code carries one) stands in for an identity. Returns
// the node UUID the code grants access to.
func (g *Guard) CheckShareCode(ctx context.Context, code, password string, capability Capability) (string, bool, error) {
	share, err := g.store.GetShareCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if share.PasswordHash != nil {
		if bcrypt.CompareHashAndPassword([]byte(*share.PasswordHash), []byte(password)) != nil {
			return "", false, nil
		}
	}
	if capability == CapWrite && !share.CanWrite {
		return "", false, nil
	}
	return share.NodeUUID, true, nil
}

// HashSharePassword hashes a share-code password for storage.
func HashSharePassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
