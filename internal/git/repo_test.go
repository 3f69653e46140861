package git

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrailerFilterSingleValue(t *testing.T) {
	filter := trailerFilter("Part-of", []string{"<https://gitlab.example.com/g/p/-/merge_requests/1>"})
	assert.Equal(t,
		"git interpret-trailers --if-exists replace --trailer 'Part-of: <https://gitlab.example.com/g/p/-/merge_requests/1>'",
		filter)
}

func TestTrailerFilterMultipleValues(t *testing.T) {
	filter := trailerFilter("Reviewed-by", []string{
		"Jane Dev <jane@example.com>",
		"Joe Dev <joe@example.com>",
	})
	// first value replaces any existing trailer, the rest append
	assert.Equal(t,
		"git interpret-trailers --if-exists replace --trailer 'Reviewed-by: Jane Dev <jane@example.com>'"+
			" | git interpret-trailers --if-exists addIfDifferent --trailer 'Reviewed-by: Joe Dev <joe@example.com>'",
		filter)
}

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	assert.Equal(t, `'it'\''s fine'`, shellQuote("it's fine"))
	assert.Equal(t, "'plain'", shellQuote("plain"))
}

func TestGitErrorMessages(t *testing.T) {
	err := &GitError{Command: "rebase", Stderr: "CONFLICT (content): Merge conflict in a.go"}
	assert.Equal(t, "git rebase: CONFLICT (content): Merge conflict in a.go", err.Error())

	timeout := &GitError{Command: "fetch", TimedOut: true, Err: fmt.Errorf("signal: killed")}
	assert.Equal(t, "git fetch: timed out", timeout.Error())

	bare := &GitError{Command: "push", Err: fmt.Errorf("exit status 128")}
	assert.Equal(t, "git push: exit status 128", bare.Error())
}

func TestIsGitError(t *testing.T) {
	ge := &GitError{Command: "rebase", Stderr: "boom"}
	assert.True(t, IsGitError(ge))
	assert.True(t, IsGitError(fmt.Errorf("fuse failed: %w", ge)))
	assert.False(t, IsGitError(errors.New("something else")))
	assert.False(t, IsGitError(nil))
}
