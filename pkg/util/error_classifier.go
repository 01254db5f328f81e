package util

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Error kinds used as log fields and metric labels.
const (
	KindNone              = ""
	KindJSONDecode        = "json_decode_error"
	KindNotFound          = "not_found"
	KindDuplicateKey      = "duplicate_key"
	KindDBConnection      = "db_connection_error"
	KindNetworkTimeout    = "network_timeout"
	KindNetwork           = "network_error"
	KindTimeout           = "timeout"
	KindCanceled          = "context_canceled"
	KindCircuitOpen       = "circuit_open"
	KindUpstream          = "upstream_error"
	KindUnknown           = "unknown_error"
	pgUniqueViolationCode = "23505"
)

// ClassifyError maps err to one of the Kind* constants.
func ClassifyError(err error) string {
	if err == nil {
		return KindNone
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return KindJSONDecode
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return KindNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode {
		return KindDuplicateKey
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return KindNetworkTimeout
		}
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindNetworkTimeout
		}
		return KindNetwork
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "circuit breaker is open"):
		return KindCircuitOpen
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "failed to connect"):
		return KindDBConnection
	case strings.Contains(msg, "status code") || strings.Contains(msg, "upstream"):
		return KindUpstream
	}

	return KindUnknown
}
