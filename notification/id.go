package notification

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"lukechampine.com/blake3"
)

// NewID returns CRIT-<utc timestamp>-<salt>, where the salt is a blake3 digest of
// the title and a random uuid.
func NewID(now time.Time, title string) string {
	sum := blake3.Sum256([]byte(title + "|" + uuid.NewString()))
	return "CRIT-" + now.UTC().Format("20060102150405") + "-" + hex.EncodeToString(sum[:4])
}
