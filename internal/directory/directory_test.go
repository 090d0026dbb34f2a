package directory

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertRegistration_NewDynamicUser(t *testing.T) {
	s := NewStore(4)

	u, ok, err := s.UpsertRegistration("700", "Field Phone", 3600)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, u.Active)
	assert.False(t, u.FromDirectory)
	assert.Equal(t, "Field Phone", u.DisplayName)
	assert.Equal(t, 1, s.DynamicCount())

	got, found := s.FindActive("700")
	require.True(t, found)
	assert.Equal(t, "700", got.UserID)
}

func TestUpsertRegistration_RefreshKeepsCounter(t *testing.T) {
	s := NewStore(4)
	_, _, _ = s.UpsertRegistration("700", "Old", 60)
	u, ok, err := s.UpsertRegistration("700", "New", 60)

	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "New", u.DisplayName)
	assert.Equal(t, 1, s.DynamicCount())
	assert.Equal(t, 1, s.Len())
}

func TestUpsertRegistration_EmptyDisplayNameDefaultsToID(t *testing.T) {
	s := NewStore(4)
	u, _, err := s.UpsertRegistration("701", "", 60)
	require.NoError(t, err)
	assert.Equal(t, "701", u.DisplayName)
}

func TestUpsertRegistration_UnregisterDynamic(t *testing.T) {
	s := NewStore(4)
	_, _, _ = s.UpsertRegistration("700", "x", 60)

	_, ok, err := s.UpsertRegistration("700", "x", 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, s.DynamicCount())

	_, found := s.Find("700")
	assert.False(t, found)
}

func TestUpsertRegistration_UnregisterDirectoryUser(t *testing.T) {
	s := NewStore(4)
	s.BulkReplaceFromDirectory([]Entry{{UserID: "100", DisplayName: "Alice"}})

	u, ok, err := s.UpsertRegistration("100", "Alice", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, u.Active)
	assert.True(t, u.FromDirectory)

	_, active := s.FindActive("100")
	assert.False(t, active)
	_, listed := s.Find("100")
	assert.True(t, listed, "directory user must remain listed")

	u, _, _ = s.UpsertRegistration("100", "Alice", 60)
	assert.True(t, u.Active)
	assert.Equal(t, 0, s.DynamicCount(), "directory users never count as dynamic")
}

func TestUpsertRegistration_Full(t *testing.T) {
	s := NewStore(2)
	s.BulkReplaceFromDirectory([]Entry{{UserID: "100"}})
	_, _, err := s.UpsertRegistration("200", "", 60)
	require.NoError(t, err)

	_, _, err = s.UpsertRegistration("300", "", 60)
	assert.True(t, errors.Is(err, ErrFull))
}

func TestUpsertRegistration_EmptyID(t *testing.T) {
	s := NewStore(2)
	_, _, err := s.UpsertRegistration("", "", 60)
	assert.Error(t, err)
}

func TestBulkReplace_DropsDynamicRegistrations(t *testing.T) {
	s := NewStore(8)
	_, _, err := s.UpsertRegistration("700", "Dynamic", 3600)
	require.NoError(t, err)

	n := s.BulkReplaceFromDirectory([]Entry{
		{UserID: "100", DisplayName: "Alice"},
		{UserID: "200", DisplayName: "Bob"},
	})
	assert.Equal(t, 2, n)

	_, found := s.FindActive("700")
	assert.False(t, found)

	for _, id := range []string{"100", "200"} {
		u, ok := s.FindActive(id)
		require.True(t, ok, id)
		assert.True(t, u.FromDirectory)
	}
	assert.Len(t, s.ActiveUsers(), 2)
	assert.Equal(t, 0, s.DynamicCount())
}

func TestBulkReplace_SanitizesAndCaps(t *testing.T) {
	s := NewStore(2)
	entries := []Entry{
		{UserID: "100", DisplayName: "Bad \xc3 name"},
		{UserID: "100", DisplayName: "dup"},
		{UserID: "  ", DisplayName: "blank"},
	}
	for i := 0; i < 5; i++ {
		entries = append(entries, Entry{UserID: fmt.Sprintf("20%d", i)})
	}

	n := s.BulkReplaceFromDirectory(entries)
	assert.Equal(t, 2, n)

	u, ok := s.FindActive("100")
	require.True(t, ok)
	assert.Equal(t, "Bad  name", u.DisplayName)
}

func TestExpireRegistrations(t *testing.T) {
	s := NewStore(8)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return base }

	s.BulkReplaceFromDirectory([]Entry{{UserID: "100"}})
	_, _, _ = s.UpsertRegistration("100", "", 60)
	_, _, _ = s.UpsertRegistration("700", "", 60)
	_, _, _ = s.UpsertRegistration("800", "", 3600)

	expired := s.ExpireRegistrations(base.Add(2 * time.Minute))
	assert.ElementsMatch(t, []string{"100", "700"}, expired)

	_, ok := s.Find("700")
	assert.False(t, ok)
	u, ok := s.Find("100")
	require.True(t, ok)
	assert.False(t, u.Active)
	_, ok = s.FindActive("800")
	assert.True(t, ok)
	assert.Equal(t, 1, s.DynamicCount())
}
