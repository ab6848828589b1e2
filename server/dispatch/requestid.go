package dispatch

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
)

// RequestID correlates a client request across servers. Every server
// derives it from the same inputs — source ip, source port, the md5 of
// the raw payload, and the client's nonce when the payload carries one —
// so all replicas agree on the id without coordination.
func RequestID(src *net.UDPAddr, payload []byte, nonce string) string {
	digest := md5.Sum(payload)
	return fmt.Sprintf("%s-%d-%s%s", src.IP.String(), src.Port, hex.EncodeToString(digest[:]), nonce)
}
