// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/layout"
	"github.com/tablehouse/tablehouse/pkg/registry"
)

// addRoutes installs the REST surface under the given subrouter.
func (server *Server) addRoutes(router *mux.Router) {
	read := server.requireAuth
	write := func(h http.HandlerFunc) http.HandlerFunc {
		return server.requireAuth(server.idempotent(h))
	}
	admin := func(h http.HandlerFunc) http.HandlerFunc {
		return server.requireAdmin(server.idempotent(h))
	}

	// projects and credentials
	router.HandleFunc("/projects", admin(server.handleProjectCreate)).Methods(http.MethodPost)
	router.HandleFunc("/projects", server.requireAdmin(server.handleProjectList)).Methods(http.MethodGet)
	router.HandleFunc("/projects/{project}", read(server.handleProjectGet)).Methods(http.MethodGet)
	router.HandleFunc("/projects/{project}", admin(server.handleProjectDelete)).Methods(http.MethodDelete)
	router.HandleFunc("/projects/{project}/keys", write(server.handleKeyCreate)).Methods(http.MethodPost)
	router.HandleFunc("/projects/{project}/keys", read(server.handleKeyList)).Methods(http.MethodGet)
	router.HandleFunc("/projects/{project}/keys/{hash}", write(server.handleKeyRevoke)).Methods(http.MethodDelete)

	// branches
	router.HandleFunc("/projects/{project}/branches", write(server.handleBranchCreate)).Methods(http.MethodPost)
	router.HandleFunc("/projects/{project}/branches", read(server.handleBranchList)).Methods(http.MethodGet)
	router.HandleFunc("/projects/{project}/branches/{branch}", read(server.handleBranchGet)).Methods(http.MethodGet)
	router.HandleFunc("/projects/{project}/branches/{branch}", write(server.handleBranchDelete)).Methods(http.MethodDelete)

	// buckets, shares and links
	router.HandleFunc("/projects/{project}/buckets", write(server.handleBucketCreate)).Methods(http.MethodPost)
	router.HandleFunc("/projects/{project}/buckets", read(server.handleBucketList)).Methods(http.MethodGet)
	router.HandleFunc("/projects/{project}/buckets/{bucket}", read(server.handleBucketGet)).Methods(http.MethodGet)
	router.HandleFunc("/projects/{project}/buckets/{bucket}", write(server.handleBucketDelete)).Methods(http.MethodDelete)
	router.HandleFunc("/projects/{project}/buckets/{bucket}/shares", write(server.handleShareCreate)).Methods(http.MethodPost)
	router.HandleFunc("/projects/{project}/buckets/{bucket}/shares/{target}", write(server.handleShareDelete)).Methods(http.MethodDelete)
	router.HandleFunc("/projects/{project}/shares", read(server.handleShareList)).Methods(http.MethodGet)
	router.HandleFunc("/projects/{project}/links", write(server.handleLinkCreate)).Methods(http.MethodPost)
	router.HandleFunc("/projects/{project}/links", read(server.handleLinkList)).Methods(http.MethodGet)
	router.HandleFunc("/projects/{project}/links/{bucket}", write(server.handleLinkDelete)).Methods(http.MethodDelete)

	// tables, branch-scoped
	tables := router.PathPrefix("/projects/{project}/branches/{branch}/buckets/{bucket}/tables").Subrouter()
	tables.HandleFunc("", write(server.handleTableCreate)).Methods(http.MethodPost)
	tables.HandleFunc("", read(server.handleTableList)).Methods(http.MethodGet)
	tables.HandleFunc("/{table}", read(server.handleTableGet)).Methods(http.MethodGet)
	tables.HandleFunc("/{table}", write(server.handleTableDrop)).Methods(http.MethodDelete)
	tables.HandleFunc("/{table}/columns", write(server.handleColumnAdd)).Methods(http.MethodPost)
	tables.HandleFunc("/{table}/columns/{column}", write(server.handleColumnAlter)).Methods(http.MethodPut)
	tables.HandleFunc("/{table}/columns/{column}", write(server.handleColumnDrop)).Methods(http.MethodDelete)
	tables.HandleFunc("/{table}/primary-key", write(server.handlePrimaryKeyAdd)).Methods(http.MethodPost)
	tables.HandleFunc("/{table}/primary-key", write(server.handlePrimaryKeyDrop)).Methods(http.MethodDelete)
	tables.HandleFunc("/{table}/rows", write(server.handleRowsLoad)).Methods(http.MethodPost)
	tables.HandleFunc("/{table}/rows", write(server.handleRowsDelete)).Methods(http.MethodDelete)
	tables.HandleFunc("/{table}/preview", read(server.handlePreview)).Methods(http.MethodGet)
	tables.HandleFunc("/{table}/profile", read(server.handleProfile)).Methods(http.MethodGet)
	tables.HandleFunc("/{table}/import", write(server.handleImport)).Methods(http.MethodPost)
	tables.HandleFunc("/{table}/export", write(server.handleExport)).Methods(http.MethodPost)
	tables.HandleFunc("/{table}/snapshots", write(server.handleSnapshotCreate)).Methods(http.MethodPost)
	tables.HandleFunc("/{table}/snapshots", read(server.handleSnapshotListForTable)).Methods(http.MethodGet)

	// snapshots, project-scoped
	router.HandleFunc("/projects/{project}/snapshots", read(server.handleSnapshotList)).Methods(http.MethodGet)
	router.HandleFunc("/projects/{project}/snapshots/{snapshot}", read(server.handleSnapshotGet)).Methods(http.MethodGet)
	router.HandleFunc("/projects/{project}/snapshots/{snapshot}/restore", write(server.handleSnapshotRestore)).Methods(http.MethodPost)
	router.HandleFunc("/projects/{project}/snapshots/{snapshot}", write(server.handleSnapshotDelete)).Methods(http.MethodDelete)
	router.HandleFunc("/projects/{project}/snapshot-settings", read(server.handleSettingsList)).Methods(http.MethodGet)
	router.HandleFunc("/projects/{project}/snapshot-settings", write(server.handleSettingsSet)).Methods(http.MethodPut)
	router.HandleFunc("/projects/{project}/snapshot-settings", write(server.handleSettingsUnset)).Methods(http.MethodDelete)

	// files
	router.HandleFunc("/projects/{project}/files/prepare", write(server.handleFilePrepare)).Methods(http.MethodPost)
	router.HandleFunc("/projects/{project}/files/uploads/{key}", read(server.handleFileUpload)).Methods(http.MethodPut)
	router.HandleFunc("/projects/{project}/files/uploads/{key}/register", write(server.handleFileRegister)).Methods(http.MethodPost)
	router.HandleFunc("/projects/{project}/files", read(server.handleFileList)).Methods(http.MethodGet)
	router.HandleFunc("/projects/{project}/files/{file}", read(server.handleFileGet)).Methods(http.MethodGet)
	router.HandleFunc("/projects/{project}/files/{file}/content", read(server.handleFileContent)).Methods(http.MethodGet)
	router.HandleFunc("/projects/{project}/files/{file}", write(server.handleFileDelete)).Methods(http.MethodDelete)

	// workspaces
	router.HandleFunc("/projects/{project}/workspaces", write(server.handleWorkspaceCreate)).Methods(http.MethodPost)
	router.HandleFunc("/projects/{project}/workspaces", read(server.handleWorkspaceList)).Methods(http.MethodGet)
	router.HandleFunc("/projects/{project}/workspaces/{workspace}", read(server.handleWorkspaceGet)).Methods(http.MethodGet)
	router.HandleFunc("/projects/{project}/workspaces/{workspace}/reset-credential", write(server.handleWorkspaceResetCredential)).Methods(http.MethodPost)
	router.HandleFunc("/projects/{project}/workspaces/{workspace}", write(server.handleWorkspaceDelete)).Methods(http.MethodDelete)
}

// tableScope pulls the (project, branch, table ref) triple out of a
// table-scoped route.
func tableScope(r *http.Request) (project, branchID string, ref registry.TableRef, err error) {
	vars := mux.Vars(r)
	project, branchID = vars["project"], vars["branch"]
	bucket, err := registry.ParseBucket(vars["bucket"])
	if err != nil {
		return "", "", registry.TableRef{}, faults.InvalidArgument.Wrap(err)
	}
	ref = registry.TableRef{Bucket: bucket, Name: vars["table"]}
	if ref.Name != "" && !layout.ValidName(ref.Name) {
		return "", "", registry.TableRef{}, faults.InvalidArgument.New("invalid table name %q", ref.Name)
	}
	return project, branchID, ref, nil
}
