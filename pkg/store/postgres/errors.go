package postgres

import (
	"errors"

	"github.com/cespare/xxhash/v2"
	"github.com/lib/pq"
)

const uniqueViolation = pq.ErrorCode("23505")

// IsUniqueViolation reports whether err is a PostgreSQL unique_violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// AdvisoryLockKey maps a namespaced identifier to a pg_advisory_xact_lock key.
func AdvisoryLockKey(namespace, id string) int64 {
	digest := xxhash.New()
	_, _ = digest.WriteString(namespace)
	_, _ = digest.WriteString(":")
	_, _ = digest.WriteString(id)
	return int64(digest.Sum64())
}
