package alertmgr

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sentrystack/siemcore/internal/model"
)

// dedupBucket is the width of the time bucket two candidates must share
// to be considered the same alert.
const dedupBucket = 300 * time.Second

// Fingerprint computes the dedup key for a candidate:
// SHA1(tenant | source_ip | kind | floor(event_time / dedup_bucket)).
func Fingerprint(tenantID, sourceIP string, kind model.ThreatKind, eventTime time.Time) string {
	bucket := eventTime.Unix() / int64(dedupBucket.Seconds())
	raw := fmt.Sprintf("%s|%s|%s|%d", tenantID, sourceIP, kind, bucket)
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}
