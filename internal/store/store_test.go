package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mobilemsg/pushbox/internal/message"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "pushbox.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{"sqlite": sq, "memory": NewMemory()}
}

func msg(channel, subchannel string) *message.Message {
	return message.New(channel, subchannel, json.RawMessage(`{"text":"hi"}`))
}

func TestOutboxOrderAndRemove(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, b, c := msg("orders", "s1"), msg("orders", "s1"), msg("orders", "s2")
			a.Date, b.Date, c.Date = 100, 200, 300
			for _, m := range []*message.Message{a, b, c} {
				require.NoError(t, s.AddOutboxMessage(ctx, m))
			}

			got, err := s.OutboxMessages(ctx)
			require.NoError(t, err)
			require.Len(t, got, 3)
			require.Equal(t, []string{a.ID, b.ID, c.ID}, []string{got[0].ID, got[1].ID, got[2].ID})

			require.NoError(t, s.RemoveOutboxMessage(ctx, b.ID))
			require.NoError(t, s.RemoveOutboxMessage(ctx, "missing"))
			got, err = s.OutboxMessages(ctx)
			require.NoError(t, err)
			require.Len(t, got, 2)
			require.Equal(t, a.ID, got[0].ID)
		})
	}
}

func TestOutboxRejectsInvalid(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			m := msg("Bad Channel", "s1")
			require.ErrorIs(t, s.AddOutboxMessage(context.Background(), m), message.ErrInvalidChannel)
		})
	}
}

func TestInboxLookupAndSoftDelete(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := msg("orders", "new")
			require.NoError(t, s.AddInboxMessage(ctx, m))

			got, err := s.Message(ctx, m.ID)
			require.NoError(t, err)
			require.Equal(t, m.ID, got.ID)

			_, err = s.Message(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.RemoveInboxMessage(ctx, m.ID, false))

			// Soft delete keeps the row for receipt bookkeeping but sheds
			// the content and hides it from listing.
			got, err = s.Message(ctx, m.ID)
			require.NoError(t, err)
			require.JSONEq(t, `{}`, string(got.Content))

			list, err := s.InboxMessages(ctx, "orders", "new")
			require.NoError(t, err)
			require.Empty(t, list)

			require.NoError(t, s.RemoveInboxMessage(ctx, m.ID, true))
			_, err = s.Message(ctx, m.ID)
			require.ErrorIs(t, err, ErrNotFound)

			require.ErrorIs(t, s.RemoveInboxMessage(ctx, m.ID, true), ErrNotFound)
		})
	}
}

func TestUndeliveredAndReceipts(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m1, m2, m3 := msg("orders", "new"), msg("orders", "old"), msg("alerts", "x1")
			m1.Date, m2.Date, m3.Date = 100, 200, 300
			for _, m := range []*message.Message{m1, m2, m3} {
				require.NoError(t, s.AddInboxMessage(ctx, m))
			}

			got, err := s.UndeliveredMessages(ctx, "orders", "new", "recv-1")
			require.NoError(t, err)
			require.Len(t, got, 1)
			require.Equal(t, m1.ID, got[0].ID)

			// Empty subchannel matches all subchannels of the channel.
			got, err = s.UndeliveredMessages(ctx, "orders", "", "recv-1")
			require.NoError(t, err)
			require.Len(t, got, 2)

			ok, err := s.MessageDelivered(ctx, m1.ID, "recv-1")
			require.NoError(t, err)
			require.True(t, ok)
			ok, err = s.MessageDelivered(ctx, m1.ID, "recv-1")
			require.NoError(t, err)
			require.True(t, ok)
			ok, err = s.MessageDelivered(ctx, "missing", "recv-1")
			require.NoError(t, err)
			require.False(t, ok)

			got, err = s.UndeliveredMessages(ctx, "orders", "", "recv-1")
			require.NoError(t, err)
			require.Len(t, got, 1)
			require.Equal(t, m2.ID, got[0].ID)

			// Receipts are per receiver.
			all, err := s.AllUndeliveredMessages(ctx, "recv-2")
			require.NoError(t, err)
			require.Len(t, all, 3)

			all, err = s.AllUndeliveredMessages(ctx, "recv-1")
			require.NoError(t, err)
			require.Len(t, all, 2)
		})
	}
}

func TestChannelsCascade(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.AddChannel(ctx, "orders"))
			require.NoError(t, s.AddChannel(ctx, "orders"))
			require.NoError(t, s.AddChannel(ctx, "alerts"))
			require.ErrorIs(t, s.AddChannel(ctx, "Bad Name"), message.ErrInvalidChannel)

			names, err := s.Channels(ctx)
			require.NoError(t, err)
			require.Equal(t, []string{"alerts", "orders"}, names)

			m := msg("orders", "new")
			require.NoError(t, s.AddInboxMessage(ctx, m))
			_, err = s.MessageDelivered(ctx, m.ID, "recv-1")
			require.NoError(t, err)

			require.NoError(t, s.RemoveChannel(ctx, "orders"))
			_, err = s.Message(ctx, m.ID)
			require.ErrorIs(t, err, ErrNotFound)
			names, err = s.Channels(ctx)
			require.NoError(t, err)
			require.Equal(t, []string{"alerts"}, names)
		})
	}
}

func TestInboxAddRegistersChannel(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.AddInboxMessage(ctx, msg("weather", "eu")))
			names, err := s.Channels(ctx)
			require.NoError(t, err)
			require.Contains(t, names, "weather")
		})
	}
}

func TestClearExpiredMessages(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UnixMilli()

			past := msg("orders", "s1")
			past.Expiry = now - 1000
			never := msg("orders", "s2")
			never.Date = 1 // ancient but expiry 0, must survive
			future := msg("orders", "s3")
			future.Expiry = now + 60_000
			for _, m := range []*message.Message{past, never, future} {
				require.NoError(t, s.AddInboxMessage(ctx, m))
			}

			require.NoError(t, s.ClearExpiredMessages(ctx))

			_, err := s.Message(ctx, past.ID)
			require.ErrorIs(t, err, ErrNotFound)
			_, err = s.Message(ctx, never.ID)
			require.NoError(t, err)
			_, err = s.Message(ctx, future.ID)
			require.NoError(t, err)
		})
	}
}

func TestContentSpillRoundTrip(t *testing.T) {
	cs, err := NewContentStore(t.TempDir())
	require.NoError(t, err)

	small := []byte(`{"k":"v"}`)
	stored, err := cs.Put(small)
	require.NoError(t, err)
	require.Equal(t, string(small), stored)

	big := []byte(`{"blob":"` + strings.Repeat("x", contentSpillSize) + `"}`)
	stored, err = cs.Put(big)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(stored, contentRefPrefix))

	back, err := cs.Resolve(stored)
	require.NoError(t, err)
	require.Equal(t, big, back)

	require.NoError(t, cs.Release(stored))
	_, err = cs.Resolve(stored)
	require.Error(t, err)
	require.NoError(t, cs.Release(stored))
}

func TestSQLiteSpillsLargeContent(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSQLite(filepath.Join(dir, "pushbox.db"), zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	big := json.RawMessage(`{"blob":"` + strings.Repeat("y", contentSpillSize) + `"}`)
	m := message.New("orders", "new", big)
	require.NoError(t, s.AddInboxMessage(ctx, m))

	var stored string
	require.NoError(t, s.db.Get(&stored, `SELECT content FROM inbox WHERE id = ?`, m.ID))
	require.True(t, strings.HasPrefix(stored, contentRefPrefix))

	got, err := s.Message(ctx, m.ID)
	require.NoError(t, err)
	require.JSONEq(t, string(big), string(got.Content))

	spilled, err := filepath.Glob(filepath.Join(dir, "content", "*"))
	require.NoError(t, err)
	require.Len(t, spilled, 1)

	require.NoError(t, s.RemoveInboxMessage(ctx, m.ID, true))
	spilled, err = filepath.Glob(filepath.Join(dir, "content", "*"))
	require.NoError(t, err)
	require.Empty(t, spilled)
}

func TestSQLiteSharedSpillSurvivesPartialRemove(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSQLite(filepath.Join(dir, "pushbox.db"), zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	big := json.RawMessage(`{"blob":"` + strings.Repeat("z", contentSpillSize) + `"}`)
	a := message.New("orders", "s1", big)
	b := message.New("orders", "s1", big)
	a.Date, b.Date = 100, 200
	require.NoError(t, s.AddOutboxMessage(ctx, a))
	require.NoError(t, s.AddOutboxMessage(ctx, b))

	// Identical bodies share one content-addressed file.
	spilled, err := filepath.Glob(filepath.Join(dir, "content", "*"))
	require.NoError(t, err)
	require.Len(t, spilled, 1)

	require.NoError(t, s.RemoveOutboxMessage(ctx, a.ID))

	got, err := s.OutboxMessages(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, b.ID, got[0].ID)
	require.JSONEq(t, string(big), string(got[0].Content))

	// A copy in the inbox keeps the file alive too.
	c := message.New("orders", "s1", big)
	require.NoError(t, s.AddInboxMessage(ctx, c))
	require.NoError(t, s.RemoveOutboxMessage(ctx, b.ID))
	spilled, err = filepath.Glob(filepath.Join(dir, "content", "*"))
	require.NoError(t, err)
	require.Len(t, spilled, 1)

	require.NoError(t, s.RemoveInboxMessage(ctx, c.ID, true))
	spilled, err = filepath.Glob(filepath.Join(dir, "content", "*"))
	require.NoError(t, err)
	require.Empty(t, spilled)
}
