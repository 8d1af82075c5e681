package vault

import (
	"strings"

	"github.com/google/uuid"
)

// KeyIDPrefix marks identifiers of stored key records
const KeyIDPrefix = "key_"

// GenerateKeyID returns a new random key record identifier
func GenerateKeyID() string {
	return KeyIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
