package phone

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeVariants(t *testing.T) {
	inputs := []string{
		"51 99751-9607",
		"055051997519607",
		"5551997519607",
		"+55 (51) 99751-9607",
		"(51) 99751 9607",
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			got, err := Normalize(in)
			require.NoError(t, err)
			assert.Equal(t, "5551997519607", got)
		})
	}
}

func TestNormalizeLandline(t *testing.T) {
	got, err := Normalize("(11) 3456-7890")
	require.NoError(t, err)
	assert.Equal(t, "551134567890", got)
}

func TestNormalizeAreaCodeMatchingCountryCode(t *testing.T) {
	got, err := Normalize("55 99123-4567")
	require.NoError(t, err)
	assert.Equal(t, "5555991234567", got)
}

func TestNormalizeRejects(t *testing.T) {
	cases := map[string]string{
		"empty":        "",
		"letters":      "abc",
		"too short":    "99751-9607",
		"too long":     "55519975196070000",
		"bad area":     "5505997519607",
		"wrong prefix": "4451997519607",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Normalize(in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPhone))
		})
	}
}

func TestToGatewayAddress(t *testing.T) {
	assert.Equal(t, "555197519607", ToGatewayAddress("5551997519607"))
	assert.Equal(t, "551134567890", ToGatewayAddress("551134567890"), "landlines untouched")
	assert.Equal(t, "5551897519607", ToGatewayAddress("5551897519607"), "no mobile prefix")
}

func TestFromGatewayAddressRestoresMobilePrefix(t *testing.T) {
	n := New("")
	for in, want := range map[string]string{
		"555197519607":       "5551997519607",
		"5551997519607":      "5551997519607",
		"551134567890":       "551134567890",
		"555197519607@s.net": "5551997519607",
	} {
		got, err := n.FromGatewayAddress(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
		assert.Equal(t, ToGatewayAddress(want), n.ToGatewayAddress(got))
	}
	_, err := n.FromGatewayAddress("123")
	assert.ErrorIs(t, err, ErrInvalidPhone)
}

func TestNormalizeDoesNotDropMobilePrefix(t *testing.T) {
	got, err := Normalize("5551997519607")
	require.NoError(t, err)
	assert.Len(t, got, 13)
}

func TestE164AndMask(t *testing.T) {
	assert.Equal(t, "+5551997519607", E164("5551997519607"))
	assert.Equal(t, "", E164(""))
	assert.Equal(t, "5551*****9607", Mask("5551997519607"))
}

func TestMaskShortRawInput(t *testing.T) {
	cases := map[string]string{
		"":          "",
		"123":       "***",
		"1234":      "****",
		"1234567":   "*****67",
		"12345678":  "******78",
		"123456789": "1234*6789",
	}
	for in, want := range cases {
		assert.NotPanics(t, func() { _ = Mask(in) }, in)
		assert.Equal(t, want, Mask(in), in)
	}
}

func TestCustomCountryCode(t *testing.T) {
	n := New("+351")
	got, err := n.Normalize("21 123 4567 8")
	require.NoError(t, err)
	assert.Equal(t, "3512112345678", got)
}
