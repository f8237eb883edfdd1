package catalog

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Key is the mode+PID byte sequence that identifies a sensor, e.g. "\x22\x28\xfb".
// It is a string so that it can be used as a map key directly.
type Key string

// KeyFromBytes copies b into a Key.
func KeyFromBytes(b []byte) Key {
	return Key(b)
}

// ParseKey parses a hexadecimal key such as "2228FB" or "0x010C".
// Odd-length input is left-padded with a zero.
func ParseKey(s string) (Key, error) {
	b, err := parseHex(s)
	if err != nil {
		return "", err
	}
	if len(b) == 0 {
		return "", fmt.Errorf("empty key")
	}
	return Key(b), nil
}

// Bytes returns a copy of the key bytes.
func (k Key) Bytes() []byte {
	return []byte(k)
}

// Width returns the number of bytes in the key.
func (k Key) Width() int {
	return len(k)
}

// Mode returns the service mode byte, or 0 for an empty key.
func (k Key) Mode() byte {
	if len(k) == 0 {
		return 0
	}
	return k[0]
}

func (k Key) String() string {
	return strings.ToUpper(hex.EncodeToString([]byte(k)))
}

// parseHex decodes a hex field. Empty input yields nil, an optional 0x prefix
// is accepted and odd-length input is left-padded with a zero.
func parseHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	if s == "" {
		return nil, nil
	}
	if len(s)%2 != 0 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q", s)
	}
	return b, nil
}
