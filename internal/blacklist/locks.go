package blacklist

import (
	"encoding/binary"
	"hash/fnv"
	"sync"

	"gorm.io/gorm"
)

const postgresDialect = "postgres"

// keyedLocker serializes work per user id without a process-wide lock.
// Users hashing to the same stripe share a mutex.
type keyedLocker struct {
	stripes []sync.Mutex
}

func newKeyedLocker(stripeCount int) *keyedLocker {
	if stripeCount <= 0 {
		stripeCount = 1
	}
	return &keyedLocker{stripes: make([]sync.Mutex, stripeCount)}
}

func (locker *keyedLocker) lock(userID UserID) func() {
	if locker == nil || len(locker.stripes) == 0 {
		return func() {}
	}
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(userID))
	hasher := fnv.New32a()
	_, _ = hasher.Write(key[:])
	stripe := &locker.stripes[hasher.Sum32()%uint32(len(locker.stripes))]
	stripe.Lock()
	return stripe.Unlock
}

// lockUser holds a per-user lock until the transaction ends, across every
// process sharing the database. FOR UPDATE cannot lock a snapshot row that does
// not exist yet, so postgres takes an advisory lock on the user id. SQLite
// handles begin transactions immediately, which serializes writers already.
func lockUser(transaction *gorm.DB, userID UserID) error {
	if transaction.Dialector == nil || transaction.Dialector.Name() != postgresDialect {
		return nil
	}
	return transaction.Exec("SELECT pg_advisory_xact_lock(?)", userID.Int64()).Error
}
