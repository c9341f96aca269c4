// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

// Package faults defines the error taxonomy shared by every component and the
// mappings transports use to render it.
package faults

import (
	"context"
	"errors"
	"net/http"

	"github.com/zeebo/errs"
)

var (
	// InvalidArgument is returned for malformed requests and unparseable predicates.
	InvalidArgument = errs.Class("invalid argument")
	// NotFound is returned when a resource is absent in the registry or on disk.
	NotFound = errs.Class("not found")
	// Conflict is returned when a resource already exists or an idempotency key is reused
	// with a different request.
	Conflict = errs.Class("conflict")
	// Unauthenticated is returned for missing or invalid credentials.
	Unauthenticated = errs.Class("unauthenticated")
	// PermissionDenied is returned for valid credentials with the wrong scope.
	PermissionDenied = errs.Class("permission denied")
	// ResourceExhausted is returned on quota or limit breaches.
	ResourceExhausted = errs.Class("resource exhausted")
	// FailedPrecondition is returned when the operation is incompatible with resource state.
	FailedPrecondition = errs.Class("failed precondition")
	// IOFailure is returned for filesystem and engine failures.
	IOFailure = errs.Class("io failure")
	// Timeout is returned when a statement or acquisition deadline passes.
	Timeout = errs.Class("timeout")
	// Internal is returned for unanticipated failures.
	Internal = errs.Class("internal")
)

// HTTPStatus maps an error to the status code REST and S3 surfaces respond with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case InvalidArgument.Has(err):
		return http.StatusBadRequest
	case NotFound.Has(err):
		return http.StatusNotFound
	case Conflict.Has(err):
		return http.StatusConflict
	case Unauthenticated.Has(err):
		return http.StatusUnauthorized
	case PermissionDenied.Has(err):
		return http.StatusForbidden
	case ResourceExhausted.Has(err):
		return http.StatusTooManyRequests
	case FailedPrecondition.Has(err):
		return http.StatusPreconditionFailed
	case Timeout.Has(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Code maps an error to the stable machine-readable code carried in JSON bodies
// and RPC bridge responses.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case InvalidArgument.Has(err):
		return "InvalidArgument"
	case NotFound.Has(err):
		return "NotFound"
	case Conflict.Has(err):
		return "Conflict"
	case Unauthenticated.Has(err):
		return "Unauthenticated"
	case PermissionDenied.Has(err):
		return "PermissionDenied"
	case ResourceExhausted.Has(err):
		return "ResourceExhausted"
	case FailedPrecondition.Has(err):
		return "FailedPrecondition"
	case IOFailure.Has(err):
		return "IOFailure"
	case Timeout.Has(err), errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	default:
		return "Internal"
	}
}

// PGCode maps an error to the SQLSTATE the pg-wire front-end reports.
func PGCode(err error) string {
	switch {
	case err == nil:
		return "00000"
	case InvalidArgument.Has(err):
		return "42601" // syntax_error
	case NotFound.Has(err):
		return "42P01" // undefined_table
	case Conflict.Has(err):
		return "23505" // unique_violation
	case Unauthenticated.Has(err):
		return "28P01" // invalid_password
	case PermissionDenied.Has(err):
		return "42501" // insufficient_privilege
	case ResourceExhausted.Has(err):
		return "53400" // configuration_limit_exceeded
	case Timeout.Has(err), errors.Is(err, context.DeadlineExceeded):
		return "57014" // query_canceled
	default:
		return "XX000" // internal_error
	}
}
