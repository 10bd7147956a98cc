package gormstore

import (
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/MarkoPoloResearchLab/envelopes/internal/remote"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	pgClassConnectionException  = "08"
	pgClassInsufficientResource = "53"
	pgClassOperatorIntervention = "57"
	pgSerializationFailure      = "40001"
	pgDeadlockDetected          = "40P01"
	sqliteBusyCode              = 5
	sqliteLockedCode            = 6
)

// classifyKind maps driver failures onto remote error kinds using error codes only.
func classifyKind(err error) remote.Kind {
	var remoteError *remote.Error
	if errors.As(err, &remoteError) {
		return remoteError.Kind
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return remote.KindNotFound
	}
	if errors.Is(err, driver.ErrBadConn) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return remote.KindTransient
	}
	var connectError *pgconn.ConnectError
	if errors.As(err, &connectError) {
		return remote.KindTransient
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return postgresKind(pgErr.Code)
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xFF {
		case sqliteBusyCode, sqliteLockedCode:
			return remote.KindTransient
		default:
			return remote.KindPermanent
		}
	}
	return remote.KindOf(err)
}

func postgresKind(code string) remote.Kind {
	switch {
	case code == pgSerializationFailure, code == pgDeadlockDetected:
		return remote.KindTransient
	case strings.HasPrefix(code, pgClassConnectionException),
		strings.HasPrefix(code, pgClassInsufficientResource),
		strings.HasPrefix(code, pgClassOperatorIntervention):
		return remote.KindTransient
	default:
		return remote.KindPermanent
	}
}
