package shared

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns prefix followed by a random UUID without dashes.
func NewID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
