package xid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// New returns a random identifier tagged with prefix, e.g. "ord-3f2c...".
func New(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// Receipt formats a human-facing receipt number from a per-store sequence.
func Receipt(storeID string, seq int64) string {
	code := strings.ToUpper(strings.TrimSpace(storeID))
	if code == "" {
		code = "POS"
	}
	if len(code) > 4 {
		code = code[:4]
	}
	return fmt.Sprintf("%s-%06d", code, seq)
}
