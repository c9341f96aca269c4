// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package faults_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"

	"github.com/tablehouse/tablehouse/pkg/faults"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{nil, http.StatusOK},
		{faults.InvalidArgument.New("bad"), http.StatusBadRequest},
		{faults.NotFound.New("missing"), http.StatusNotFound},
		{faults.Conflict.New("exists"), http.StatusConflict},
		{faults.Unauthenticated.New("who"), http.StatusUnauthorized},
		{faults.PermissionDenied.New("no"), http.StatusForbidden},
		{faults.ResourceExhausted.New("quota"), http.StatusTooManyRequests},
		{faults.FailedPrecondition.New("state"), http.StatusPreconditionFailed},
		{faults.Timeout.New("slow"), http.StatusGatewayTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{faults.IOFailure.New("disk"), http.StatusInternalServerError},
		{faults.Internal.New("bug"), http.StatusInternalServerError},
		{errs.New("untagged"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.status, faults.HTTPStatus(tc.err), "%v", tc.err)
	}
}

func TestCode(t *testing.T) {
	require.Equal(t, "ok", faults.Code(nil))
	require.Equal(t, "NotFound", faults.Code(faults.NotFound.New("missing")))
	require.Equal(t, "Conflict", faults.Code(faults.Conflict.New("exists")))
	require.Equal(t, "IOFailure", faults.Code(faults.IOFailure.New("disk")))
	require.Equal(t, "Internal", faults.Code(errs.New("untagged")))

	// Wrapping keeps the classification.
	wrapped := faults.NotFound.Wrap(errs.New("inner"))
	require.Equal(t, "NotFound", faults.Code(wrapped))
	require.Equal(t, http.StatusNotFound, faults.HTTPStatus(wrapped))
}

func TestPGCode(t *testing.T) {
	require.Equal(t, "00000", faults.PGCode(nil))
	require.Equal(t, "42P01", faults.PGCode(faults.NotFound.New("missing")))
	require.Equal(t, "42601", faults.PGCode(faults.InvalidArgument.New("bad")))
	require.Equal(t, "28P01", faults.PGCode(faults.Unauthenticated.New("who")))
	require.Equal(t, "42501", faults.PGCode(faults.PermissionDenied.New("no")))
	require.Equal(t, "XX000", faults.PGCode(errs.New("untagged")))
}
