package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateMobile(t *testing.T) {
	res := Validate("51 99751-9607")
	assert.True(t, res.IsValid)
	assert.Equal(t, TypeMobile, res.Type)
	assert.Equal(t, "+55 (51) 99751-9607", res.Formatted)
	assert.Contains(t, res.Warnings, "country code auto-added")
}

func TestValidateLandline(t *testing.T) {
	res := Validate("551134567890")
	assert.True(t, res.IsValid)
	assert.Equal(t, TypeLandline, res.Type)
	assert.Equal(t, "+55 (11) 3456-7890", res.Formatted)
	assert.Empty(t, res.Warnings)
}

func TestValidateLegacyMobile(t *testing.T) {
	res := Validate("555197519607")
	assert.True(t, res.IsValid)
	assert.Equal(t, TypeMobile, res.Type)
	assert.Contains(t, res.Warnings, "legacy 8-digit mobile")
}

func TestValidateNeverFails(t *testing.T) {
	for _, in := range []string{"", "???", "1", "0000000000000000000"} {
		res := Validate(in)
		assert.False(t, res.IsValid, in)
		assert.Equal(t, TypeUnknown, res.Type)
		assert.NotEmpty(t, res.Warnings)
	}
}
