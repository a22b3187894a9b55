package hashcanon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellmesh/cellmesh/internal/types"
)

func sampleCell() *types.Cell {
	return &types.Cell{
		ID:        "cm-x1",
		Title:     "hash me",
		Status:    types.StatusOpen,
		CellType:  types.TypeTask,
		Priority:  1,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestHashStable(t *testing.T) {
	first, err := HashCell(sampleCell())
	require.NoError(t, err)
	second, err := HashCell(sampleCell())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first, 64, "hex-encoded sha-256")
}

func TestHashSensitiveToContent(t *testing.T) {
	a := sampleCell()
	b := sampleCell()
	b.Title = "different"

	ha, err := HashCell(a)
	require.NoError(t, err)
	hb, err := HashCell(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)

	// Child records count too.
	c := sampleCell()
	c.Labels = []string{"auth"}
	hc, err := HashCell(c)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}

// The hash covers the canonical field set only: local bookkeeping like
// created_by, close_reason, and result must not perturb it, or the hash
// stops matching peer implementations.
func TestHashIgnoresNonCanonicalFields(t *testing.T) {
	plain := sampleCell()

	annotated := sampleCell()
	annotated.CreatedBy = "coordinator"
	annotated.CloseReason = "wontfix"
	annotated.Result = "resolved upstream"
	annotated.DeletedBy = "nobody"
	annotated.DeleteReason = "n/a"

	ha, err := HashCell(plain)
	require.NoError(t, err)
	hb, err := HashCell(annotated)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestEqual(t *testing.T) {
	ok, err := Equal(sampleCell(), sampleCell())
	require.NoError(t, err)
	assert.True(t, ok)

	other := sampleCell()
	other.Priority = 3
	ok, err = Equal(sampleCell(), other)
	require.NoError(t, err)
	assert.False(t, ok)
}
