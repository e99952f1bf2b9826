package treelock

import (
	"time"

	"github.com/google/uuid"
)

// UUID wraps github.com/google/uuid.UUID so callers do not import it directly.
type UUID uuid.UUID

// NilUUID is the zero-value UUID.
var NilUUID UUID

// NewUUID returns a random UUID. Generation is retried for a few milliseconds; it panics
// only if the system entropy source keeps failing.
func NewUUID() UUID {
	var err error
	for i := 0; i < 10; i++ {
		var id uuid.UUID
		if id, err = uuid.NewRandom(); err == nil {
			return UUID(id)
		}
		time.Sleep(time.Millisecond)
	}
	panic(err)
}

// ParseUUID converts the canonical string form back to a UUID.
func ParseUUID(id string) (UUID, error) {
	u, err := uuid.Parse(id)
	return UUID(u), err
}

// IsNil reports whether id is the zero value.
func (id UUID) IsNil() bool {
	return id == NilUUID
}

func (id UUID) String() string {
	return uuid.UUID(id).String()
}
