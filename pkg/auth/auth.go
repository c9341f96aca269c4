// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

// Package auth implements the two-tier credential model: one
// environment-provided admin key and per-project api keys stored as hashes.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/registry"
)

var (
	mon = monkit.Package()

	// Error is the default auth error class.
	Error = errs.Class("auth")
)

// Context is the resolved identity a request carries downstream.
type Context struct {
	ProjectID string
	IsAdmin   bool
}

// CanAccess reports whether the identity may act within the given project.
func (c Context) CanAccess(projectID string) bool {
	return c.IsAdmin || c.ProjectID == projectID
}

// Service verifies presented keys.
type Service struct {
	db *registry.DB

	adminHash  [sha256.Size]byte
	adminIsSet bool
}

// NewService creates the auth service. adminKey is the plaintext admin
// credential from the environment; empty disables admin access.
func NewService(db *registry.DB, adminKey string) *Service {
	service := &Service{db: db}
	if adminKey != "" {
		service.adminHash = sha256.Sum256([]byte(adminKey))
		service.adminIsSet = true
	}
	return service
}

// HashKey returns the hex SHA256 of a plaintext key, the form keys are stored
// and looked up in.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// GenerateProjectKey mints a new plaintext project key. The prefix is for
// humans; validation is by hash only.
func GenerateProjectKey(projectID string) (string, error) {
	var random [24]byte
	if _, err := rand.Read(random[:]); err != nil {
		return "", Error.Wrap(err)
	}
	return "proj_" + projectID + "_admin_" + hex.EncodeToString(random[:]), nil
}

// Authenticate resolves a presented plaintext key to an identity. The admin
// comparison is constant-time over hashes.
func (service *Service) Authenticate(ctx context.Context, presented string) (_ Context, err error) {
	defer mon.Task()(&ctx)(&err)

	if presented == "" {
		return Context{}, faults.Unauthenticated.New("missing credential")
	}

	if service.adminIsSet {
		presentedHash := sha256.Sum256([]byte(presented))
		if subtle.ConstantTimeCompare(presentedHash[:], service.adminHash[:]) == 1 {
			return Context{IsAdmin: true}, nil
		}
	}

	key, err := service.db.APIKeys().LookupByHash(ctx, HashKey(presented))
	if err != nil {
		return Context{}, err
	}
	return Context{ProjectID: key.ProjectID}, nil
}

// RequireProject fails unless the identity may act within the project.
func (service *Service) RequireProject(authCtx Context, projectID string) error {
	if !authCtx.CanAccess(projectID) {
		return faults.PermissionDenied.New("key is not scoped to project %q", projectID)
	}
	return nil
}

// RequireAdmin fails unless the identity is the admin.
func (service *Service) RequireAdmin(authCtx Context) error {
	if !authCtx.IsAdmin {
		return faults.PermissionDenied.New("admin credential required")
	}
	return nil
}

// ProjectSigningSecret looks up a project's most recent key hash. The S3
// presign surface signs with the owning project's api key; since only hashes
// are stored, the signing secret is the stored hash itself.
func (service *Service) ProjectSigningSecret(ctx context.Context, projectID string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	keys, err := service.db.APIKeys().ListByProject(ctx, projectID)
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", faults.FailedPrecondition.New("project %q has no api key to sign with", projectID)
	}
	return keys[len(keys)-1].KeyHash, nil
}

// ExtractKey pulls the presented credential from the request:
// Authorization: Bearer, X-Api-Key, or empty when absent.
func ExtractKey(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return token
		}
	}
	return r.Header.Get("X-Api-Key")
}
