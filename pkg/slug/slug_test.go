package slug

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"save10":      "SAVE10",
		" Save-10 % ": "SAVE10",
		"çok güzel":   "COKGUZEL",
		"":            "",
	}
	for in, want := range tests {
		assert.Equal(t, want, Normalize(in), in)
	}
}

func TestCouponCode(t *testing.T) {
	valid := regexp.MustCompile(`^[A-Z0-9]{3,20}$`)

	code := CouponCode("Diwali Sale 10%")
	assert.Regexp(t, valid, code)
	assert.Equal(t, "DIWALISALE10", code[:12])

	long := CouponCode("An extremely long festive season campaign title")
	assert.Len(t, long, MaxCodeLength)
	assert.Regexp(t, valid, long)

	assert.NotEqual(t, CouponCode("x"), CouponCode("x"))
	assert.Regexp(t, valid, CouponCode("!!"))
}
