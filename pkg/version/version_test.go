package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFullCarriesAppIdentity(t *testing.T) {
	full := Full()
	assert.True(t, strings.HasPrefix(full, AppName+"/"), "got %q", full)
	assert.NotEmpty(t, Commit())
	assert.Equal(t, Commit(), Commit(), "commit resolution is stable")
}

func TestShortTruncatesLongRevisions(t *testing.T) {
	assert.Equal(t, "deadbeef", short("deadbeefcafe0123"))
	assert.Equal(t, "abc123", short("abc123"))
}
