package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random identifier such as "sale-1b4e28ba2fa1...". The prefix
// makes ids self-describing in logs and reference numbers.
func New(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}
