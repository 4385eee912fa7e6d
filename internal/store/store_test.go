package store

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gaslessrelay/internal/intent"
)

var sender = common.HexToAddress("0x0000000000000000000000000000000000000a11")

func record(id string, nonce uint64, created time.Time) *intent.Record {
	return intent.NewRecord(id, intent.TransferIntent{
		Asset:     common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		From:      sender,
		To:        common.HexToAddress("0x0000000000000000000000000000000000000b0b"),
		Amount:    big.NewInt(100),
		MaxFee:    big.NewInt(2),
		Nonce:     nonce,
		Deadline:  created.Add(time.Hour),
		Signature: []byte{1, 2, 3},
	}, created)
}

// exercise runs the behaviour every Store must share.
func exercise(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()

	got, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	a := record("a", 0, base)
	require.NoError(t, a.Transition(intent.StatusQueued, base))
	require.NoError(t, s.Save(ctx, a))
	b := record("b", 1, base.Add(time.Second))
	require.NoError(t, b.Transition(intent.StatusValidated, base))
	require.NoError(t, s.Save(ctx, b))

	open, err := s.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "a", open[0].ID)
	assert.Equal(t, "b", open[1].ID)

	require.NoError(t, a.Fail(intent.StatusRejected, &intent.BroadcastError{Kind: intent.BroadcastRejected, Reason: "nonce already consumed"}, base))
	require.NoError(t, s.Save(ctx, a))
	assert.ErrorIs(t, s.Save(ctx, a), intent.ErrTerminal)

	got, err = s.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, intent.StatusRejected, got.Status)
	assert.Equal(t, "broadcast_rejected", got.ErrorCode)
	assert.Equal(t, int64(100), got.Intent.Amount.Int64())
	assert.Equal(t, []byte{1, 2, 3}, got.Intent.Signature)

	open, err = s.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "b", open[0].ID)

	_, ok, err := s.LoadNonce(ctx, sender)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, s.SaveNonce(ctx, sender, 1))
	n, ok, err := s.LoadNonce(ctx, sender)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), n)

	require.NoError(t, s.Ping(ctx))
}

func TestMemoryStore(t *testing.T) {
	exercise(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec := record("a", 0, time.Now())
	require.NoError(t, s.Save(ctx, rec))

	got, _ := s.Get(ctx, "a")
	got.Status = intent.StatusConfirmed
	again, _ := s.Get(ctx, "a")
	assert.Equal(t, intent.StatusReceived, again.Status)
}

func TestFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay", "state.json")

	fs, err := NewFileStore(path)
	require.NoError(t, err)
	exercise(t, fs)

	_, err = os.Stat(path)
	require.NoError(t, err, "expected file on disk")

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	ctx := context.Background()

	got, err := reopened.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, intent.StatusRejected, got.Status)

	n, ok, err := reopened.LoadNonce(ctx, sender)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), n)

	open, err := reopened.ListOpen(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ps, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	defer ps.Close()

	_, err = ps.pool.Exec(ctx, `TRUNCATE relay_intents, relay_sender_nonces`)
	require.NoError(t, err)

	exercise(t, ps)

	// counters never move backwards
	require.NoError(t, ps.SaveNonce(ctx, sender, 0))
	n, _, err := ps.LoadNonce(ctx, sender)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}
