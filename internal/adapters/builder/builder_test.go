package builder

import (
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/melih/lighthouse/internal/core/ports"
)

func TestParseSource(t *testing.T) {
	url, ref := parseSource("https://github.com/alice/shop.git#release")
	assert.Equal(t, "https://github.com/alice/shop.git", url)
	assert.Equal(t, "release", ref)

	url, ref = parseSource("https://github.com/alice/shop.git")
	assert.Equal(t, "https://github.com/alice/shop.git", url)
	assert.Empty(t, ref)
}

func TestReadBuildOutput(t *testing.T) {
	logger := log.NewEntry(log.New())

	ok := `{"stream":"Step 1/2 : FROM nginx\n"}
{"stream":" ---> 1234\n"}
{"aux":{"ID":"sha256:abcd"}}
{"stream":"Successfully built abcd\n"}
`
	assert.NoError(t, readBuildOutput(strings.NewReader(ok), logger))

	failed := `{"stream":"Step 2/2 : RUN make\n"}
{"errorDetail":{"code":2,"message":"The command '/bin/sh -c make' returned a non-zero code: 2"},"error":"The command '/bin/sh -c make' returned a non-zero code: 2"}
`
	err := readBuildOutput(strings.NewReader(failed), logger)
	assert.ErrorIs(t, err, ports.ErrBuildFailed)
	assert.Contains(t, err.Error(), "non-zero code: 2")

	err = readBuildOutput(strings.NewReader(`{"stream":`), logger)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ports.ErrBuildFailed)
}
