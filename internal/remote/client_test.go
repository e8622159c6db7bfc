package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitTag(t *testing.T) {
	assert.Equal(t, []string{"Lists", "golang-nuts"}, splitTag("Lists/golang-nuts", "/"))
	assert.Equal(t, []string{"Projects"}, splitTag("Projects", "/"))
	assert.Equal(t, []string{"a", "b", "c"}, splitTag("a::b::c", "::"))
}

func TestJoinTag(t *testing.T) {
	assert.Equal(t, "Lists/golang-nuts", joinTag([]string{"Lists", "golang-nuts"}, "/"))
	assert.Equal(t, "Projects", joinTag([]string{"Projects"}, "/"))
}

func TestSplitTagThenJoinTag_RoundTrips(t *testing.T) {
	tag := "a/b/c"
	assert.Equal(t, tag, joinTag(splitTag(tag, "/"), "/"))
}
