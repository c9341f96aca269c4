// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package s3gw

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"

	"github.com/tablehouse/tablehouse/pkg/faults"
)

// MaxPresignTTL caps how far in the future a pre-signed URL may expire.
const MaxPresignTTL = 7 * 24 * time.Hour

// sign computes the pre-signed URL signature: HMAC-SHA256 over
// method, bucket, key, and expiry, keyed by the project's signing secret.
func sign(secret, method, bucket, key string, expires int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(method + "\n" + bucket + "\n" + key + "\n" + strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Presign builds a pre-signed URL for the object, valid until now+ttl.
func (g *Gateway) Presign(ctx context.Context, project, method, bucket, key string, ttl time.Duration) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	if ttl <= 0 || ttl > MaxPresignTTL {
		return "", faults.InvalidArgument.New("expiry must be between 1s and %s", MaxPresignTTL)
	}
	secret, err := g.auth.ProjectSigningSecret(ctx, project)
	if err != nil {
		return "", err
	}

	expires := time.Now().Add(ttl).Unix()
	values := url.Values{}
	values.Set("signature", sign(secret, method, bucket, key, expires))
	values.Set("expires", strconv.FormatInt(expires, 10))
	return g.baseURL + "/" + bucket + "/" + key + "?" + values.Encode(), nil
}

// verifyPresign validates a pre-signed request in constant time.
func (g *Gateway) verifyPresign(ctx context.Context, project, method, bucket, key string, query url.Values) error {
	expires, err := strconv.ParseInt(query.Get("expires"), 10, 64)
	if err != nil {
		return faults.Unauthenticated.New("malformed expiry")
	}
	if time.Now().Unix() > expires {
		return faults.Unauthenticated.New("pre-signed URL has expired")
	}
	secret, err := g.auth.ProjectSigningSecret(ctx, project)
	if err != nil {
		return err
	}
	want := sign(secret, method, bucket, key, expires)
	if subtle.ConstantTimeCompare([]byte(query.Get("signature")), []byte(want)) != 1 {
		return faults.Unauthenticated.New("bad signature")
	}
	return nil
}
