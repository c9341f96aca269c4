// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package s3gw_test

import (
	"encoding/json"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tablehouse/tablehouse/internal/testcontext"
	"github.com/tablehouse/tablehouse/pkg/auth"
	"github.com/tablehouse/tablehouse/pkg/layout"
	"github.com/tablehouse/tablehouse/pkg/registry"
	"github.com/tablehouse/tablehouse/pkg/s3gw"
)

type testGateway struct {
	t      *testing.T
	ctx    *testcontext.Context
	server *httptest.Server
	key    string
}

func newTestGateway(t *testing.T, ctx *testcontext.Context) *testGateway {
	t.Helper()
	log := zaptest.NewLogger(t)

	paths, err := layout.New(ctx.Dir("data"))
	require.NoError(t, err)
	db, err := registry.Open(ctx, log, paths.RegistryPath())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	require.NoError(t, db.Projects().Create(ctx, registry.Project{ID: "p1", Name: "p", CreatedAt: time.Now()}))
	key, err := auth.GenerateProjectKey("p1")
	require.NoError(t, err)
	require.NoError(t, db.APIKeys().Create(ctx, registry.APIKey{
		ProjectID: "p1",
		KeyHash:   auth.HashKey(key),
		CreatedAt: time.Now(),
	}))

	// The gateway needs its own external URL for pre-signed links, so the
	// listener starts first and the handler is swapped in afterwards.
	var gateway *s3gw.Gateway
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gateway.ServeHTTP(w, r)
	}))
	t.Cleanup(server.Close)
	gateway = s3gw.New(log, auth.NewService(db, ""), paths, server.URL)

	return &testGateway{t: t, ctx: ctx, server: server, key: key}
}

// request runs one call against the gateway with an optional bearer key.
func (tg *testGateway) request(method, path, key, body string) (status int, responseBody string, header http.Header) {
	tg.t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(tg.ctx, method, tg.server.URL+path, reader)
	require.NoError(tg.t, err)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(tg.t, err)
	defer func() { require.NoError(tg.t, resp.Body.Close()) }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(tg.t, err)
	return resp.StatusCode, string(raw), resp.Header
}

func errorCode(t *testing.T, body string) string {
	t.Helper()
	var doc struct {
		Code string `xml:"Code"`
	}
	require.NoError(t, xml.Unmarshal([]byte(body), &doc), "body: %s", body)
	return doc.Code
}

func TestObjectLifecycle(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	tg := newTestGateway(t, ctx)

	const content = "id,name\n1,a\n"

	status, _, header := tg.request(http.MethodPut, "/project_p1/raw/orders.csv", tg.key, content)
	require.Equal(t, http.StatusOK, status)
	etag := header.Get("ETag")
	require.NotEmpty(t, etag)

	status, body, header := tg.request(http.MethodGet, "/project_p1/raw/orders.csv", tg.key, "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, content, body)
	require.Equal(t, etag, header.Get("ETag"))

	status, body, header = tg.request(http.MethodHead, "/project_p1/raw/orders.csv", tg.key, "")
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, body)
	require.Equal(t, "12", header.Get("Content-Length"))

	status, _, _ = tg.request(http.MethodPut, "/project_p1/raw/users.csv", tg.key, "id\n1\n")
	require.Equal(t, http.StatusOK, status)
	status, _, _ = tg.request(http.MethodPut, "/project_p1/exports/out.csv", tg.key, "x\n")
	require.Equal(t, http.StatusOK, status)

	var listed struct {
		KeyCount int `xml:"KeyCount"`
		Contents []struct {
			Key  string `xml:"Key"`
			Size int64  `xml:"Size"`
		} `xml:"Contents"`
		CommonPrefixes []struct {
			Prefix string `xml:"Prefix"`
		} `xml:"CommonPrefixes"`
	}
	status, body, _ = tg.request(http.MethodGet, "/project_p1?prefix=raw/", tg.key, "")
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, xml.Unmarshal([]byte(body), &listed))
	require.Equal(t, 2, listed.KeyCount)
	require.Equal(t, "raw/orders.csv", listed.Contents[0].Key)
	require.EqualValues(t, len(content), listed.Contents[0].Size)
	require.Equal(t, "raw/users.csv", listed.Contents[1].Key)

	// A delimiter folds the directories into common prefixes.
	listed.Contents, listed.CommonPrefixes = nil, nil
	status, body, _ = tg.request(http.MethodGet, "/project_p1?delimiter=/", tg.key, "")
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, xml.Unmarshal([]byte(body), &listed))
	require.Empty(t, listed.Contents)
	require.Len(t, listed.CommonPrefixes, 2)
	require.Equal(t, "exports/", listed.CommonPrefixes[0].Prefix)
	require.Equal(t, "raw/", listed.CommonPrefixes[1].Prefix)

	status, _, _ = tg.request(http.MethodDelete, "/project_p1/raw/orders.csv", tg.key, "")
	require.Equal(t, http.StatusNoContent, status)
	status, body, _ = tg.request(http.MethodGet, "/project_p1/raw/orders.csv", tg.key, "")
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "NoSuchKey", errorCode(t, body))

	// Deletes are idempotent.
	status, _, _ = tg.request(http.MethodDelete, "/project_p1/raw/orders.csv", tg.key, "")
	require.Equal(t, http.StatusNoContent, status)
}

func TestGatewayAuth(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	tg := newTestGateway(t, ctx)

	status, body, _ := tg.request(http.MethodGet, "/project_p1/raw/orders.csv", "", "")
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "AccessDenied", errorCode(t, body))

	status, body, _ = tg.request(http.MethodGet, "/project_p2/raw/orders.csv", tg.key, "")
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "AccessDenied", errorCode(t, body))

	// Bucket names outside the project_ convention do not exist.
	status, _, _ = tg.request(http.MethodGet, "/mybucket/key.csv", tg.key, "")
	require.Equal(t, http.StatusNotFound, status)

	// SigV4 is not implemented and is refused explicitly.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tg.server.URL+"/project_p1/raw/orders.csv", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "AWS4-HMAC-SHA256 Credential=x")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "SignatureVersionNotSupported", errorCode(t, string(raw)))
}

func TestPresignedURL(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	tg := newTestGateway(t, ctx)

	const content = "x,y\n1,2\n"
	status, _, _ := tg.request(http.MethodPut, "/project_p1/raw/data.csv", tg.key, content)
	require.Equal(t, http.StatusOK, status)

	var signed struct {
		URL string `json:"url"`
	}
	status, body, _ := tg.request(http.MethodPost, "/project_p1/raw/data.csv?presign=&method=GET&ttl=1h", tg.key, "")
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal([]byte(body), &signed))
	require.Contains(t, signed.URL, "signature=")

	// The pre-signed URL works without any credential.
	resp, err := http.Get(signed.URL)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, content, string(raw))

	// Tampering with the signature or the expiry invalidates it.
	resp, err = http.Get(strings.Replace(signed.URL, "signature=", "signature=00", 1))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(strings.Replace(signed.URL, "expires=", "expires=9", 1))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// The TTL is capped.
	status, _, _ = tg.request(http.MethodPost, "/project_p1/raw/data.csv?presign=&ttl=200h", tg.key, "")
	require.Equal(t, http.StatusBadRequest, status)
}

func TestPresignEndpoint(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	tg := newTestGateway(t, ctx)

	const content = "x,y\n1,2\n"
	status, _, _ := tg.request(http.MethodPut, "/project_p1/raw/data.csv", tg.key, content)
	require.Equal(t, http.StatusOK, status)

	var signed struct {
		URL string `json:"url"`
	}
	status, body, _ := tg.request(http.MethodPost, "/project_p1/presign", tg.key,
		`{"key": "raw/data.csv", "method": "GET", "expires_in": 3600}`)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal([]byte(body), &signed))
	require.Contains(t, signed.URL, "signature=")

	resp, err := http.Get(signed.URL)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, content, string(raw))

	// method and expires_in default to GET and one hour.
	status, body, _ = tg.request(http.MethodPost, "/project_p1/presign", tg.key,
		`{"key": "raw/data.csv"}`)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal([]byte(body), &signed))
	resp, err = http.Get(signed.URL)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Bad requests: missing key, over-cap expiry, no credential.
	status, body, _ = tg.request(http.MethodPost, "/project_p1/presign", tg.key, `{}`)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "InvalidArgument", errorCode(t, body))

	status, _, _ = tg.request(http.MethodPost, "/project_p1/presign", tg.key,
		`{"key": "raw/data.csv", "expires_in": 720000}`)
	require.Equal(t, http.StatusBadRequest, status)

	status, body, _ = tg.request(http.MethodPost, "/project_p1/presign", "",
		`{"key": "raw/data.csv"}`)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "AccessDenied", errorCode(t, body))
}
