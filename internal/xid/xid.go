package xid

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New returns a prefixed, time-ordered identifier (UUIDv7), so lexical order
// follows creation order.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), uuid.NewString())
	}
	return fmt.Sprintf("%s-%s", prefix, id.String())
}
