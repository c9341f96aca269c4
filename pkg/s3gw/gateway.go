// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

// Package s3gw exposes project file storage through an S3-compatible surface:
// bucket project_<id>, key = storage-relative path.
package s3gw

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/tablehouse/tablehouse/pkg/auth"
	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/layout"
)

var (
	mon = monkit.Package()

	// Error is the default s3 gateway error class.
	Error = errs.Class("s3gw")
)

// DefaultMaxKeys is the list page size when max-keys is absent.
const DefaultMaxKeys = 1000

// Gateway serves the S3-compatible object surface.
type Gateway struct {
	log     *zap.Logger
	auth    *auth.Service
	paths   *layout.Layout
	baseURL string

	router *mux.Router
}

// New creates the gateway. baseURL is the externally visible prefix used in
// pre-signed URLs, e.g. "http://host:8080/s3".
func New(log *zap.Logger, authService *auth.Service, paths *layout.Layout, baseURL string) *Gateway {
	g := &Gateway{
		log:     log,
		auth:    authService,
		paths:   paths,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}

	router := mux.NewRouter()
	router.HandleFunc("/{bucket}", g.handleList).Methods(http.MethodGet)
	router.HandleFunc("/{bucket}/presign", g.handlePresign).Methods(http.MethodPost)
	router.HandleFunc("/{bucket}/{key:.+}", g.handleGet).Methods(http.MethodGet)
	router.HandleFunc("/{bucket}/{key:.+}", g.handleHead).Methods(http.MethodHead)
	router.HandleFunc("/{bucket}/{key:.+}", g.handlePut).Methods(http.MethodPut)
	router.HandleFunc("/{bucket}/{key:.+}", g.handleDelete).Methods(http.MethodDelete)
	router.HandleFunc("/{bucket}/{key:.+}", g.handlePresignQuery).Methods(http.MethodPost).Queries("presign", "")
	g.router = router
	return g
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// projectOf maps the S3 bucket name to a project id.
func projectOf(bucket string) (string, error) {
	project, ok := strings.CutPrefix(bucket, "project_")
	if !ok || project == "" {
		return "", faults.NotFound.New("bucket %q", bucket)
	}
	return project, nil
}

// authorize resolves the request identity: pre-signed query parameters, or a
// bearer/api key. SigV4 attempts are rejected outright.
func (g *Gateway) authorize(r *http.Request, bucket, key string) error {
	ctx := r.Context()

	project, err := projectOf(bucket)
	if err != nil {
		return err
	}

	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "AWS4-HMAC-SHA256") {
		return faults.Unauthenticated.New("SignatureVersionNotSupported")
	}

	if r.URL.Query().Get("signature") != "" {
		return g.verifyPresign(ctx, project, r.Method, bucket, key, r.URL.Query())
	}

	authCtx, err := g.auth.Authenticate(ctx, auth.ExtractKey(r))
	if err != nil {
		return err
	}
	return g.auth.RequireProject(authCtx, project)
}

// objectPath maps (bucket, key) to the backing file, confined to the
// project's files directory.
func (g *Gateway) objectPath(bucket, key string) (string, error) {
	project, err := projectOf(bucket)
	if err != nil {
		return "", err
	}
	cleaned := path.Clean("/" + key)
	if cleaned == "/" {
		return "", faults.InvalidArgument.New("empty key")
	}
	return filepath.Join(g.paths.FilesDir(project), filepath.FromSlash(cleaned)), nil
}

func (g *Gateway) handleGet(w http.ResponseWriter, r *http.Request) {
	g.serveObject(w, r, true)
}

func (g *Gateway) handleHead(w http.ResponseWriter, r *http.Request) {
	g.serveObject(w, r, false)
}

func (g *Gateway) serveObject(w http.ResponseWriter, r *http.Request, withBody bool) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	if err := g.authorize(r, bucket, key); err != nil {
		g.renderError(w, r, err)
		return
	}
	objectPath, err := g.objectPath(bucket, key)
	if err != nil {
		g.renderError(w, r, err)
		return
	}

	f, err := os.Open(objectPath)
	if err != nil {
		if os.IsNotExist(err) {
			g.renderError(w, r, faults.NotFound.New("key %q", key))
			return
		}
		g.renderError(w, r, faults.IOFailure.Wrap(err))
		return
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		g.renderError(w, r, faults.NotFound.New("key %q", key))
		return
	}
	etag, err := etagOf(objectPath)
	if err != nil {
		g.renderError(w, r, err)
		return
	}

	w.Header().Set("ETag", `"`+etag+`"`)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
	w.Header().Set("Content-Type", "application/octet-stream")
	if !withBody {
		w.WriteHeader(http.StatusOK)
		return
	}
	if _, err := io.Copy(w, f); err != nil {
		g.log.Debug("object download interrupted", zap.String("key", key), zap.Error(err))
	}
}

func (g *Gateway) handlePut(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	if err := g.authorize(r, bucket, key); err != nil {
		g.renderError(w, r, err)
		return
	}
	objectPath, err := g.objectPath(bucket, key)
	if err != nil {
		g.renderError(w, r, err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(objectPath), 0700); err != nil {
		g.renderError(w, r, faults.IOFailure.Wrap(err))
		return
	}

	staged := objectPath + ".upload"
	f, err := os.OpenFile(staged, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		g.renderError(w, r, faults.IOFailure.Wrap(err))
		return
	}
	hasher := md5.New()
	if _, err := io.Copy(io.MultiWriter(f, hasher), r.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(staged)
		g.renderError(w, r, faults.IOFailure.Wrap(err))
		return
	}
	if err := errs.Combine(f.Sync(), f.Close()); err != nil {
		_ = os.Remove(staged)
		g.renderError(w, r, faults.IOFailure.Wrap(err))
		return
	}
	if err := os.Rename(staged, objectPath); err != nil {
		_ = os.Remove(staged)
		g.renderError(w, r, faults.IOFailure.Wrap(err))
		return
	}

	w.Header().Set("ETag", `"`+hex.EncodeToString(hasher.Sum(nil))+`"`)
	w.WriteHeader(http.StatusOK)
}

func (g *Gateway) handleDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	if err := g.authorize(r, bucket, key); err != nil {
		g.renderError(w, r, err)
		return
	}
	objectPath, err := g.objectPath(bucket, key)
	if err != nil {
		g.renderError(w, r, err)
		return
	}
	if err := os.Remove(objectPath); err != nil && !os.IsNotExist(err) {
		g.renderError(w, r, faults.IOFailure.Wrap(err))
		return
	}
	// S3 deletes are idempotent
	w.WriteHeader(http.StatusNoContent)
}

// presignProject authenticates the caller with an api key and resolves the
// bucket's project. Pre-signed parameters cannot mint further urls.
func (g *Gateway) presignProject(r *http.Request, bucket string) (string, error) {
	project, err := projectOf(bucket)
	if err != nil {
		return "", err
	}
	authCtx, err := g.auth.Authenticate(r.Context(), auth.ExtractKey(r))
	if err != nil {
		return "", err
	}
	return project, g.auth.RequireProject(authCtx, project)
}

// presignRequest is the body of POST /{bucket}/presign. expires_in is in
// seconds; zero means the one hour default.
type presignRequest struct {
	Key       string `json:"key"`
	Method    string `json:"method"`
	ExpiresIn int64  `json:"expires_in"`
}

func (g *Gateway) handlePresign(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]

	project, err := g.presignProject(r, bucket)
	if err != nil {
		g.renderError(w, r, err)
		return
	}

	var req presignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.renderError(w, r, faults.InvalidArgument.New("bad presign body: %v", err))
		return
	}
	if req.Key == "" {
		g.renderError(w, r, faults.InvalidArgument.New("key is required"))
		return
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	ttl := time.Hour
	if req.ExpiresIn != 0 {
		ttl = time.Duration(req.ExpiresIn) * time.Second
	}

	signed, err := g.Presign(r.Context(), project, method, bucket, req.Key, ttl)
	if err != nil {
		g.renderError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"url": signed})
}

// handlePresignQuery is the query-parameter spelling of presign, kept for
// clients that cannot send a body.
func (g *Gateway) handlePresignQuery(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]

	project, err := g.presignProject(r, bucket)
	if err != nil {
		g.renderError(w, r, err)
		return
	}

	method := strings.ToUpper(r.URL.Query().Get("method"))
	if method == "" {
		method = http.MethodGet
	}
	ttl := time.Hour
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			g.renderError(w, r, faults.InvalidArgument.New("bad ttl: %v", err))
			return
		}
		ttl = parsed
	}

	signed, err := g.Presign(r.Context(), project, method, bucket, key, ttl)
	if err != nil {
		g.renderError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"url": signed})
}

// listBucketResult is the ListObjectsV2 response document.
type listBucketResult struct {
	XMLName        xml.Name       `xml:"ListBucketResult"`
	Name           string         `xml:"Name"`
	Prefix         string         `xml:"Prefix"`
	Delimiter      string         `xml:"Delimiter,omitempty"`
	MaxKeys        int            `xml:"MaxKeys"`
	KeyCount       int            `xml:"KeyCount"`
	IsTruncated    bool           `xml:"IsTruncated"`
	Contents       []objectEntry  `xml:"Contents"`
	CommonPrefixes []commonPrefix `xml:"CommonPrefixes,omitempty"`
}

type objectEntry struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
}

type commonPrefix struct {
	Prefix string `xml:"Prefix"`
}

func (g *Gateway) handleList(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	if err := g.authorize(r, bucket, ""); err != nil {
		g.renderError(w, r, err)
		return
	}
	project, err := projectOf(bucket)
	if err != nil {
		g.renderError(w, r, err)
		return
	}

	query := r.URL.Query()
	prefix := query.Get("prefix")
	delimiter := query.Get("delimiter")
	maxKeys := DefaultMaxKeys
	if raw := query.Get("max-keys"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			g.renderError(w, r, faults.InvalidArgument.New("bad max-keys"))
			return
		}
		if parsed < maxKeys {
			maxKeys = parsed
		}
	}

	result, err := g.list(r.Context(), project, bucket, prefix, delimiter, maxKeys)
	if err != nil {
		g.renderError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(result)
}

func (g *Gateway) list(ctx context.Context, project, bucket, prefix, delimiter string, maxKeys int) (_ *listBucketResult, err error) {
	defer mon.Task()(&ctx)(&err)

	root := g.paths.FilesDir(project)
	result := &listBucketResult{
		Name:      bucket,
		Prefix:    prefix,
		Delimiter: delimiter,
		MaxKeys:   maxKeys,
	}

	var keys []objectEntry
	err = filepath.Walk(root, func(walked string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if info.IsDir() || strings.HasSuffix(walked, ".upload") {
			return nil
		}
		rel, err := filepath.Rel(root, walked)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		keys = append(keys, objectEntry{
			Key:          key,
			LastModified: info.ModTime().UTC().Format(time.RFC3339),
			Size:         info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, faults.IOFailure.Wrap(err)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Key < keys[j].Key })

	seenPrefixes := map[string]bool{}
	for _, entry := range keys {
		if delimiter != "" {
			rest := strings.TrimPrefix(entry.Key, prefix)
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				common := prefix + rest[:idx+len(delimiter)]
				if !seenPrefixes[common] {
					seenPrefixes[common] = true
					result.CommonPrefixes = append(result.CommonPrefixes, commonPrefix{Prefix: common})
				}
				continue
			}
		}
		if len(result.Contents) >= maxKeys {
			result.IsTruncated = true
			break
		}
		etag, err := etagOf(filepath.Join(root, filepath.FromSlash(entry.Key)))
		if err != nil {
			return nil, err
		}
		entry.ETag = `"` + etag + `"`
		result.Contents = append(result.Contents, entry)
	}
	result.KeyCount = len(result.Contents) + len(result.CommonPrefixes)
	return result, nil
}

// s3Error is the S3 XML error document.
type s3Error struct {
	XMLName xml.Name `xml:"Error"`
	Code    string   `xml:"Code"`
	Message string   `xml:"Message"`
}

// renderError writes the S3-shaped XML error for the fault.
func (g *Gateway) renderError(w http.ResponseWriter, r *http.Request, err error) {
	status := faults.HTTPStatus(err)
	code := s3Code(err)

	g.log.Debug("s3 request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err))

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(s3Error{Code: code, Message: err.Error()})
}

func s3Code(err error) string {
	switch {
	case strings.Contains(err.Error(), "SignatureVersionNotSupported"):
		return "SignatureVersionNotSupported"
	case faults.NotFound.Has(err):
		return "NoSuchKey"
	case faults.Unauthenticated.Has(err):
		return "AccessDenied"
	case faults.PermissionDenied.Has(err):
		return "AccessDenied"
	case faults.InvalidArgument.Has(err):
		return "InvalidArgument"
	case faults.ResourceExhausted.Has(err):
		return "QuotaExceeded"
	}
	return "InternalError"
}

func etagOf(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", faults.IOFailure.Wrap(err)
	}
	defer func() { _ = f.Close() }()

	hasher := md5.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", faults.IOFailure.Wrap(err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
