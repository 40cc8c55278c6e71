package jobs

import (
	"strings"

	"github.com/google/uuid"
)

// IDPrefix marks job IDs generated for events that arrive without one.
const IDPrefix = "job-"

// generateID returns IDPrefix followed by a random UUID without dashes.
func generateID() string {
	return IDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
