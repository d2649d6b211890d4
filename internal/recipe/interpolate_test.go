package recipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInterpolate(t *testing.T) {
	props := map[string]string{
		"os":          "linux",
		"python.path": "/usr/bin/python",
		"empty":       "",
	}

	tests := []struct {
		text string
		want string
	}{
		{"plain text", "plain text"},
		{"${os}", "linux"},
		{"target-${os}-build", "target-linux-build"},
		{"${python.path} setup.py", "/usr/bin/python setup.py"},
		{"${os} on ${os}", "linux on linux"},
		{"${cc:gcc}", "gcc"},
		{"${os:unused-default}", "linux"},
		{"${empty}", ""},
		{"${missing.prop}", "${missing.prop}"},
		{"$os", "$os"},
		{"${}", "${}"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Interpolate(tt.text, props), "text %q", tt.text)
	}
}

// Property names need two characters or more; shorter references stay
// verbatim.
func TestInterpolateShortName(t *testing.T) {
	assert.Equal(t, "${a}", Interpolate("${a}", map[string]string{"a": "x"}))
	assert.Equal(t, "x", Interpolate("${ab}", map[string]string{"ab": "x"}))
}

func TestInterpolateNilProps(t *testing.T) {
	assert.Equal(t, "${os}", Interpolate("${os}", nil))
	assert.Equal(t, "fallback", Interpolate("${os:fallback}", nil))
}
