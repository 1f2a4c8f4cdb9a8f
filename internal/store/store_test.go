package store

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	got, err := st.GetSetting(ctx, KeyIdentity)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, st.SetSetting(ctx, KeyIdentity, "device-1"))
	require.NoError(t, st.SetSetting(ctx, KeyEndpoint, "wss://relay.example/ws"))

	got, err = st.GetSetting(ctx, KeyIdentity)
	require.NoError(t, err)
	assert.Equal(t, "device-1", got)

	require.NoError(t, st.DeleteSetting(ctx, KeyIdentity))
	require.NoError(t, st.DeleteSetting(ctx, KeyIdentity))

	got, err = st.GetSetting(ctx, KeyIdentity)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = st.GetSetting(ctx, KeyEndpoint)
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example/ws", got)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	st := NewRedisStore(addr, "tabrelay-test-"+uuid.NewString()+":")
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Ping(context.Background()))

	exerciseStore(t, st)
	require.NoError(t, st.DeleteSetting(context.Background(), KeyEndpoint))
}
