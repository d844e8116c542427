package hdf5io

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilenameAccepts(t *testing.T) {
	path, dataset, err := ParseFilename("f.h5:ds")
	require.NoError(t, err)
	assert.Equal(t, "f.h5", path)
	assert.Equal(t, "ds", dataset)
}

func TestParseFilenameRejectsTable(t *testing.T) {
	cases := []string{
		"x.h5:",     // empty dataset
		"x.h5",      // no delimiter at all
		"noext:dset", // three chars before ':' aren't ".h5"
		"ab.h5:d",   // dataset shorter than 2 characters
		"h5:ds",     // delimiter too close to start for ".h5" to precede it
	}
	for _, c := range cases {
		_, _, err := ParseFilename(c)
		assert.Error(t, err, "expected rejection for %q", c)
	}
}
