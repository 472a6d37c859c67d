package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	n := New(DefaultCountryCode)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plus prefix with spaces", "+420 123 456 789", "420123456789"},
		{"bare international", "420123456789", "420123456789"},
		{"double zero prefix", "00420 123 456 789", "420123456789"},
		{"national trunk zero", "0123456789", "420123456789"},
		{"north american", "+1 555 0100", "15550100"},
		{"punctuation", "(+1) 555-0100", "15550100"},
		{"full width digits", "＋４２０　１２３４５６７８９", "420123456789"},
		{"surrounding whitespace", "  15550100\t", "15550100"},
		{"empty", "", ""},
		{"no digits", "n/a", ""},
		{"only zeros", "000", ""},
		{"invalid utf8", "\xff\xfe12", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, n.Normalize(tt.in))
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	n := New(DefaultCountryCode)
	inputs := []string{
		"+420 123 456 789", "0123456789", "00420123456789", "+1 555 0100",
		"１２３", "", "abc", "0", "0042", "+0 0 1",
	}
	for _, in := range inputs {
		once := n.Normalize(in)
		assert.Equal(t, once, n.Normalize(once), "input %q", in)
	}
}

func TestNormalize_NoCountryCode(t *testing.T) {
	n := Normalizer{}
	assert.Equal(t, "123456789", n.Normalize("0123456789"))
	assert.Equal(t, "420123456789", n.Normalize("+420 123 456 789"))
}

func TestNew_StripsNonDigits(t *testing.T) {
	assert.Equal(t, "420", New("+420").CountryCode)
	assert.Equal(t, "", New("").CountryCode)
}

func TestDigest_Equivalence(t *testing.T) {
	n := New(DefaultCountryCode)
	want := n.Digest("+420 123 456 789")

	for _, in := range []string{"420123456789", "00420 123 456 789", "0123456789"} {
		assert.Equal(t, want, n.Digest(in), "input %q", in)
	}
	assert.Equal(t, n.Digest("+1 555 0100"), n.Digest("15550100"))
	assert.NotEqual(t, want, n.Digest("+1 555 0100"))
}

func TestDigest_Format(t *testing.T) {
	d := New("").Digest("15550100")
	assert.Len(t, d, 64)
	assert.Regexp(t, "^[0-9a-f]{64}$", d)
	// sha256("")
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", New("").Digest(""))
}

func TestKey(t *testing.T) {
	n := New(DefaultCountryCode)

	t.Run("phone wins over email", func(t *testing.T) {
		assert.Equal(t, n.Digest("+1 555 0100"), n.Key("+1 555 0100", "a@x.com"))
		assert.Equal(t, n.Key("+1 555 0100", "a@x.com"), n.Key("15550100", "b@y.com"))
	})

	t.Run("email fallback", func(t *testing.T) {
		assert.Equal(t, Hash("email:a@x.com"), n.Key("", " A@X.com "))
		assert.Equal(t, n.Key("", "a@x.com"), n.Key("n/a", "A@x.COM"))
		assert.NotEqual(t, n.Key("", "a@x.com"), n.Key("", "b@x.com"))
	})

	t.Run("neither", func(t *testing.T) {
		assert.Equal(t, Hash(""), n.Key("", ""))
		assert.Equal(t, n.Key("", ""), n.Key("---", "  "))
	})
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "jane@example.com", NormalizeEmail("  Jane@Example.COM "))
	assert.Equal(t, "", NormalizeEmail("\xff"))
}
