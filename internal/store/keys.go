package store

import (
	"encoding/hex"
	"strconv"
)

func hexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

func itoaSize(size int64) string {
	return strconv.FormatInt(size, 10)
}
