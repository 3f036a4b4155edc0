package deadletter

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 需要真實的 PostgreSQL：FEDQUEUE_TEST_POSTGRES_DSN=postgres://...
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("FEDQUEUE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FEDQUEUE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	s, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()

	before, err := s.Count(ctx)
	require.NoError(t, err)

	l := letter(t, "pg")
	require.NoError(t, s.Put(ctx, l))
	require.NoError(t, s.Put(ctx, l))

	after, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+1, after)

	got, err := s.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, l.Job.ID, got[0].Job.ID)
	assert.Equal(t, l.Reason, got[0].Reason)
	assert.WithinDuration(t, l.At, got[0].At, time.Millisecond)
}
