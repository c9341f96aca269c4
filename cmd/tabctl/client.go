// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

// client talks to the server's REST surface.
type client struct {
	base string
	key  string
	http *http.Client
}

// newClient resolves host and key from flags, environment and the profile
// file, in that order.
func newClient() (*client, error) {
	host, key := flags.Host, flags.APIKey
	if host == "" {
		host = os.Getenv("TABLEHOUSE_URL")
	}
	if key == "" {
		key = os.Getenv("TABLEHOUSE_API_KEY")
	}
	if host == "" || key == "" {
		profile, err := loadProfile(flags.Profile)
		if err == nil {
			if host == "" {
				host = profile.Host
			}
			if key == "" {
				key = profile.APIKey
			}
		}
	}
	if host == "" {
		return nil, usagef("no server host: use --host, TABLEHOUSE_URL, or tabctl config set-profile")
	}
	return &client{
		base: host + "/api/v1",
		key:  key,
		http: &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

// apiError is the server's error document.
type apiError struct {
	Code    string
	Message string
	Status  int
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// do sends one request. body nil means no payload; out nil discards the
// response body.
func (c *client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", c.key)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var doc struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &doc) == nil && doc.Error.Code != "" {
			return &apiError{Code: doc.Error.Code, Message: doc.Error.Message, Status: resp.StatusCode}
		}
		return &apiError{Code: resp.Status, Message: string(raw), Status: resp.StatusCode}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// upload PUTs a raw stream, outside the JSON envelope.
func (c *client) upload(ctx context.Context, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", c.key)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return &apiError{Code: resp.Status, Message: string(raw), Status: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// download GETs a raw stream to w.
func (c *client) download(ctx context.Context, path string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", c.key)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return &apiError{Code: resp.Status, Message: string(raw), Status: resp.StatusCode}
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// tablesPath builds the branch-scoped tables path.
func tablesPath(project, branch, bucket string) string {
	if branch == "" {
		branch = "default"
	}
	return fmt.Sprintf("/projects/%s/branches/%s/buckets/%s/tables",
		url.PathEscape(project), url.PathEscape(branch), url.PathEscape(bucket))
}
