package pglock

import (
	"fmt"
	"hash/fnv"
)

// AdvisoryKey maps a lock key onto the signed 64-bit keyspace of Postgres
// advisory locks using FNV-1a. Keys are opaque: equal strings contend,
// unequal strings do not (modulo the vanishingly small chance of a hash
// collision, which degrades to extra contention, never to lost exclusion).
func AdvisoryKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

// EntityKey composes a lock key from an entity name and a numeric id,
// e.g. EntityKey("vehicle", 42) == "vehicle:42".
func EntityKey(entity string, id int64) string {
	return fmt.Sprintf("%s:%d", entity, id)
}
