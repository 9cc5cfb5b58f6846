package bluetooth

import (
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
)

// UUID is a 128-bit Bluetooth UUID.
type UUID = uuid.UUID

// NilUUID is the zero UUID.
var NilUUID = uuid.Nil

var (
	DefaultServiceUUID        = MustParseUUID(DefaultServiceUUIDString)
	DefaultCharacteristicUUID = MustParseUUID(DefaultCharacteristicUUIDString)
)

// baseUUIDSuffix completes 16 and 32-bit UUIDs against the Bluetooth base UUID.
const baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// ParseUUID parses a UUID, case-insensitively. It accepts the canonical 36
// character form and the 16-bit ("180d") and 32-bit ("0000180d") short forms.
func ParseUUID(s string) (UUID, error) {
	s = strings.TrimSpace(s)
	if short := strings.TrimPrefix(strings.ToLower(s), "0x"); len(short) == 4 || len(short) == 8 {
		if _, err := hex.DecodeString(short); err != nil {
			return NilUUID, errors.Wrapf(err, "invalid uuid %q", s)
		}
		s = strings.Repeat("0", 8-len(short)) + short + baseUUIDSuffix
	}
	u, err := uuid.FromString(s)
	if err != nil {
		return NilUUID, errors.Wrapf(err, "invalid uuid %q", s)
	}
	return u, nil
}

// MustParseUUID is like ParseUUID but panics on malformed input.
func MustParseUUID(s string) UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// parseUUIDs converts BlueZ UUID strings, skipping anything that does not parse.
func parseUUIDs(values []string) []UUID {
	out := make([]UUID, 0, len(values))
	for _, v := range values {
		u, err := ParseUUID(v)
		if err != nil {
			continue
		}
		out = append(out, u)
	}
	return out
}

func containsUUID(list []UUID, u UUID) bool {
	for _, v := range list {
		if uuid.Equal(v, u) {
			return true
		}
	}
	return false
}
