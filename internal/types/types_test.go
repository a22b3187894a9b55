package types

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validCell() *Cell {
	return &Cell{
		ID:        "cm-abc123",
		Title:     "test cell",
		Status:    StatusOpen,
		CellType:  TypeTask,
		Priority:  2,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
}

func TestCellValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		require.NoError(t, validCell().Validate())
	})

	t.Run("empty title", func(t *testing.T) {
		c := validCell()
		c.Title = ""
		err := c.Validate()
		require.Error(t, err)
		fe, ok := err.(*FieldError)
		require.True(t, ok)
		assert.Equal(t, "title", fe.Field)
	})

	t.Run("title too long", func(t *testing.T) {
		c := validCell()
		c.Title = strings.Repeat("x", MaxTitleLength+1)
		err := c.Validate()
		require.Error(t, err)
		assert.Equal(t, "title", err.(*FieldError).Field)
	})

	t.Run("title at limit passes", func(t *testing.T) {
		c := validCell()
		c.Title = strings.Repeat("x", MaxTitleLength)
		require.NoError(t, c.Validate())
	})

	t.Run("bad status", func(t *testing.T) {
		c := validCell()
		c.Status = "bogus"
		require.Error(t, c.Validate())
	})

	t.Run("bad type", func(t *testing.T) {
		c := validCell()
		c.CellType = "widget"
		err := c.Validate()
		require.Error(t, err)
		assert.Equal(t, "issue_type", err.(*FieldError).Field)
	})

	t.Run("priority out of range", func(t *testing.T) {
		for _, p := range []int{-1, 4} {
			c := validCell()
			c.Priority = p
			require.Error(t, c.Validate(), "priority %d", p)
		}
	})

	t.Run("closed requires closed_at", func(t *testing.T) {
		c := validCell()
		c.Status = StatusClosed
		require.Error(t, c.Validate())

		now := time.Now().UTC()
		c.ClosedAt = &now
		require.NoError(t, c.Validate())
	})

	t.Run("open rejects closed_at", func(t *testing.T) {
		c := validCell()
		now := time.Now().UTC()
		c.ClosedAt = &now
		require.Error(t, c.Validate())
	})
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusOpen, StatusInProgress, true},
		{StatusOpen, StatusBlocked, true},
		{StatusOpen, StatusClosed, true},
		{StatusInProgress, StatusBlocked, true},
		{StatusInProgress, StatusClosed, true},
		{StatusInProgress, StatusOpen, true},
		{StatusBlocked, StatusOpen, true},
		{StatusBlocked, StatusInProgress, true},
		{StatusBlocked, StatusClosed, true},
		{StatusClosed, StatusOpen, true},
		{StatusClosed, StatusInProgress, false},
		{StatusClosed, StatusBlocked, false},
		{StatusOpen, StatusTombstone, true},
		{StatusInProgress, StatusTombstone, true},
		{StatusBlocked, StatusTombstone, true},
		{StatusClosed, StatusTombstone, true},
		{StatusTombstone, StatusOpen, false},
		{StatusTombstone, StatusClosed, false},
		{StatusTombstone, StatusTombstone, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	c := validCell()
	c.Labels = []string{"backend", "auth"}
	c.Description = "does a thing"

	first, err := c.CanonicalJSON()
	require.NoError(t, err)
	second, err := c.CanonicalJSON()
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second), "canonical form must be stable")

	// Keys must come out alphabetically regardless of struct order.
	text := string(first)
	idxCreated := strings.Index(text, `"created_at"`)
	idxID := strings.Index(text, `"id"`)
	idxTitle := strings.Index(text, `"title"`)
	require.True(t, idxCreated >= 0 && idxID >= 0 && idxTitle >= 0)
	assert.Less(t, idxCreated, idxID)
	assert.Less(t, idxID, idxTitle)
}
