package vault

import (
	"strings"
	"unicode"

	"siza-core/models"
)

type keyFormat struct {
	prefix    string
	minLength int
}

var keyFormats = map[models.Provider]keyFormat{
	models.ProviderOpenAI:    {prefix: "sk-", minLength: 20},
	models.ProviderAnthropic: {prefix: "sk-ant-", minLength: 24},
	models.ProviderGoogle:    {prefix: "AIza", minLength: 20},
}

// ValidateKeyFormat performs structural checks on a candidate provider key.
// Surrounding whitespace is ignored; embedded whitespace is rejected.
func ValidateKeyFormat(candidate string, provider models.Provider) bool {
	format, ok := keyFormats[provider]
	if !ok {
		return false
	}

	key := strings.TrimSpace(candidate)
	if len(key) < format.minLength || !strings.HasPrefix(key, format.prefix) {
		return false
	}

	return strings.IndexFunc(key, unicode.IsSpace) == -1
}

// MaskKey masks a key showing only the last 4 characters
func MaskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
