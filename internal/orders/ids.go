package orders

import (
	"crypto/md5"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// NewClientOrderID builds a fresh client order id: a broker-prefixed nonce,
// content-addressed through md5 so the result fits the exchange's id length
// and charset limits regardless of pair naming.
func NewClientOrderID(brokerPrefix, tradingPair string, isBuy bool) string {
	sideTag := "S"
	if isBuy {
		sideTag = "B"
	}
	nonce := brokerPrefix + sideTag + tradingPair + uuid.NewString() + time.Now().UTC().Format("20060102150405.000000000")
	return hashOrderID(nonce)
}

// hashOrderID maps a nonce to its wire form "0x" + 32 hex chars.
func hashOrderID(nonce string) string {
	sum := md5.Sum([]byte(nonce))
	return "0x" + hex.EncodeToString(sum[:])
}
