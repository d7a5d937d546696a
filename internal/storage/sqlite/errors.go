package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/smartpcr/persistence-lib/internal/retry"
	"github.com/smartpcr/persistence-lib/internal/storage"
)

// wrapDBError classifies a raw driver error into the engine's kinded error
// model. The op string names the unit of work for logs.
func wrapDBError(op, entityType, key string, err error) error {
	if err == nil {
		return nil
	}
	var se *storage.Error
	if errors.As(err, &se) {
		return err // already classified
	}
	return storage.NewError(classify(err), op, entityType, key, err)
}

func classify(err error) storage.Kind {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return storage.KindCanceled
	case isConstraintError(err):
		return storage.KindConstraint
	case retry.Transient(err):
		return storage.KindTransient
	case errors.Is(err, sql.ErrConnDone), isCorruptionError(err):
		return storage.KindFatal
	default:
		return storage.KindFatal
	}
}

func isConstraintError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "constraint failed") ||
		strings.Contains(msg, "FOREIGN KEY constraint") ||
		strings.Contains(msg, "CHECK constraint") ||
		strings.Contains(msg, "UNIQUE constraint")
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

func isCorruptionError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "malformed") || strings.Contains(msg, "corrupt")
}
