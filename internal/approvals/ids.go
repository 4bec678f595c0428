package approvals

import (
	"strings"

	"github.com/google/uuid"
)

// RandomID returns prefix_<32 hex chars> built from a random (v4) UUID.
func RandomID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
