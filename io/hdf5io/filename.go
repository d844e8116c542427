// Package hdf5io parses the HDF5 "PATH.h5:DATASET" filename convention and
// reads datasets into buffers (§6 File formats).
//
// ParseFilename is a byte-exact port of the original ufo_hdf5_can_open gate
// (original_source/src/common/hdf5.c): find the last ':', reject if absent,
// reject if the dataset name after it is shorter than two characters, and
// reject unless the three
// characters immediately preceding the colon are ".h5".
package hdf5io

import (
	"fmt"
	"strings"
)

// ParseFilename splits "PATH.h5:DATASET" into its path and dataset parts.
// It returns an error describing which gate failed for any other shape,
// matching the original implementation's rejection cases rather than
// attempting a more permissive parse.
func ParseFilename(name string) (path, dataset string, err error) {
	idx := strings.LastIndexByte(name, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("hdf5io: %q has no ':' dataset delimiter", name)
	}
	if idx < 3 {
		return "", "", fmt.Errorf("hdf5io: %q: delimiter too close to start of filename", name)
	}
	if name[idx-3:idx] != ".h5" {
		return "", "", fmt.Errorf("hdf5io: %q: expected \".h5\" immediately before ':'", name)
	}
	dataset = name[idx+1:]
	if len(dataset) < 2 {
		return "", "", fmt.Errorf("hdf5io: %q: dataset name shorter than 2 characters", name)
	}
	return name[:idx], dataset, nil
}
