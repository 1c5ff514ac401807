package sipcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestText(t *testing.T) {
	got, ok := Text(487)
	assert.True(t, ok)
	assert.Equal(t, "Request Terminated", got)

	_, ok = Text(999)
	assert.False(t, ok)
}

func TestCode(t *testing.T) {
	got, ok := Code("Busy Here")
	assert.True(t, ok)
	assert.Equal(t, 486, got)

	_, ok = Code("No Such Phrase")
	assert.False(t, ok)
}

func TestAmbiguousPhrasePrefersLowestCode(t *testing.T) {
	got, ok := Code("Not Acceptable")
	assert.True(t, ok)
	assert.Equal(t, 406, got)
}

func TestBidirectional(t *testing.T) {
	for c, phrase := range text {
		back, ok := Code(phrase)
		assert.True(t, ok, "phrase %q", phrase)
		if phrase != "Not Acceptable" {
			assert.Equal(t, c, back, "phrase %q", phrase)
		}
	}
}
