package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}

// InvoiceNo returns a human-readable invoice number such as
// INV-20260310-4F2A91C3. Uniqueness is enforced by the store; callers retry
// on collision.
func InvoiceNo(now time.Time) string {
	return numbered("INV", now)
}

// ReturnNo returns a human-readable return number such as RET-20260310-9B01D477.
func ReturnNo(now time.Time) string {
	return numbered("RET", now)
}

func numbered(prefix string, now time.Time) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%s-%d", prefix, now.UTC().Format("20060102"), now.UnixNano()%100000000)
	}
	return fmt.Sprintf("%s-%s-%X", prefix, now.UTC().Format("20060102"), buf)
}
