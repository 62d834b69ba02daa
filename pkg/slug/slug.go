package slug

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Coupon code bounds.
const (
	MinCodeLength = 3
	MaxCodeLength = 20
	suffixLength  = 4
)

var nonAlnum = regexp.MustCompile(`[^A-Z0-9]+`)

var transliterate = strings.NewReplacer(
	"ç", "c", "ğ", "g", "ı", "i", "ö", "o", "ş", "s", "ü", "u",
	"Ç", "C", "Ğ", "G", "İ", "I", "Ö", "O", "Ş", "S", "Ü", "U",
	"é", "e", "è", "e", "á", "a", "à", "a", "ñ", "n",
)

// Normalize upper-cases s and strips everything outside [A-Z0-9]. Codes
// are stored in this form so lookups are case-insensitive.
func Normalize(s string) string {
	s = transliterate.Replace(strings.TrimSpace(s))
	return nonAlnum.ReplaceAllString(strings.ToUpper(s), "")
}

// CouponCode derives a code from a title: the normalized title truncated to
// leave room for a random 4-character suffix.
//
//   - "Diwali Sale 10%" → "DIWALISALE10" + "7F3A"
//   - "çok güzel" → "COKGUZEL" + "B21C"
func CouponCode(title string) string {
	base := Normalize(title)
	if limit := MaxCodeLength - suffixLength; len(base) > limit {
		base = base[:limit]
	}
	return base + randomSuffix()
}

func randomSuffix() string {
	id := uuid.New()
	return strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:suffixLength])
}
