package cellstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectCyclesEmpty(t *testing.T) {
	assert.Empty(t, DetectCycles(nil))
	assert.Empty(t, DetectCycles(map[string][]string{"a": {"b"}, "b": {"c"}}))
}

func TestDetectCyclesSelfLoop(t *testing.T) {
	cycles := DetectCycles(map[string][]string{"a": {"a"}})
	require.Len(t, cycles, 1)
	assert.Equal(t, []string{"a"}, cycles[0])
}

func TestDetectCyclesSimple(t *testing.T) {
	cycles := DetectCycles(map[string][]string{
		"x": {"y"},
		"y": {"z"},
		"z": {"x"},
	})
	require.Len(t, cycles, 1)
	assert.Equal(t, []string{"x", "y", "z"}, cycles[0], "cycle starts from its smallest node")
}

func TestDetectCyclesMultipleDisjoint(t *testing.T) {
	cycles := DetectCycles(map[string][]string{
		"a": {"b"},
		"b": {"a"},
		"m": {"n"},
		"n": {"m"},
		"q": {"r"}, // not a cycle
	})
	require.Len(t, cycles, 2)
	assert.Equal(t, []string{"a", "b"}, cycles[0])
	assert.Equal(t, []string{"m", "n"}, cycles[1])
}

func TestDetectCyclesSharedNode(t *testing.T) {
	// Two loops through the same hub.
	cycles := DetectCycles(map[string][]string{
		"hub": {"a", "b"},
		"a":   {"hub"},
		"b":   {"hub"},
	})
	require.Len(t, cycles, 2)
}
