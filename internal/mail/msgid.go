package mail

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// NewMsgID allocates an external message id: msg_<yyyymmdd>_<hex8>.
func NewMsgID(now time.Time) string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("msg_%s_%s", now.UTC().Format("20060102"), hex.EncodeToString(b[:]))
}
