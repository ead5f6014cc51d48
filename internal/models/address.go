package models

import (
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
)

// NormalizeAddress returns the canonical comparison form of an address:
// EVM hex is lower-cased, TON user-friendly forms (EQ.../UQ...) are reduced to raw "wc:hex"
// so bounceable and non-bounceable spellings of one account compare equal.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "0x") || strings.HasPrefix(addr, "0X") {
		return "0x" + strings.ToLower(addr[2:])
	}
	if wc, h, ok := strings.Cut(addr, ":"); ok {
		return wc + ":" + strings.ToLower(h)
	}
	if raw, ok := tonFriendlyToRaw(addr); ok {
		return raw
	}
	return addr
}

func SameAddress(a, b string) bool {
	return NormalizeAddress(a) == NormalizeAddress(b)
}

// tonFriendlyToRaw decodes flags(1) workchain(1) hash(32) crc16(2).
func tonFriendlyToRaw(addr string) (string, bool) {
	if len(addr) != 48 {
		return "", false
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.NewReplacer("+", "-", "/", "_").Replace(addr))
	if err != nil || len(b) != 36 {
		return "", false
	}
	wc := int8(b[1])
	return strconv.Itoa(int(wc)) + ":" + hex.EncodeToString(b[2:34]), true
}
