package inbox

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/btle-transfer/central"
	"github.com/user/btle-transfer/transport"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "inbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func message(body string, at time.Time) central.Message {
	return central.Message{
		SessionID: uuid.New(),
		Endpoint:  &transport.Endpoint{ID: uuid.NewString(), Name: "sender"},
		Data:      []byte(body),
		Chunks:    1,
		Started:   at.Add(-30 * time.Millisecond),
		Finished:  at,
	}
}

func TestSaveAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now()
	msg := message("hello world", now)

	saved, err := s.Save(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, msg.SessionID.String(), saved.ID)
	assert.Equal(t, 11, saved.Bytes)

	got, err := s.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello world", got.Body)
	assert.Equal(t, msg.Endpoint.ID, got.Endpoint)
	assert.Equal(t, "sender", got.Sender)
	assert.Equal(t, 1, got.Chunks)
	assert.True(t, got.ReceivedAt.Equal(now))
	assert.Equal(t, 30*time.Millisecond, got.Duration())
}

func TestSave_EmptyMessage(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	saved, err := s.Save(ctx, central.Message{SessionID: uuid.New()})
	require.NoError(t, err)

	got, err := s.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Body)
	assert.Zero(t, got.Bytes)
	assert.False(t, got.ReceivedAt.IsZero())
}

func TestGet_Unknown(t *testing.T) {
	s := openStore(t)

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList_NewestFirst(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Now()

	for i, body := range []string{"first", "second", "third"} {
		_, err := s.Save(ctx, message(body, base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "third", all[0].Body)
	assert.Equal(t, "first", all[2].Body)

	limited, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "second", limited[1].Body)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestReopenKeepsMessages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbox.db")
	s, err := Open(path)
	require.NoError(t, err)
	saved, err := s.Save(context.Background(), message("persisted", time.Now()))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(context.Background(), saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Body)
}

func TestOutput(t *testing.T) {
	s := openStore(t)
	var saved *Record
	out := s.Output(func(r *Record) { saved = r }, func(err error) { t.Errorf("save failed: %v", err) })

	out.Completed(message("via output", time.Now()))

	require.NotNil(t, saved)
	assert.Equal(t, "via output", saved.Body)
}

func TestOutput_ReportsErrors(t *testing.T) {
	s := openStore(t)
	msg := message("twice", time.Now())
	_, err := s.Save(context.Background(), msg)
	require.NoError(t, err)

	var failed error
	s.Output(nil, func(err error) { failed = err }).Completed(msg)
	assert.Error(t, failed, "duplicate id must fail")
}

func TestRecordStruct(t *testing.T) {
	r := &Record{ID: "abc", Body: "hi", Chunks: 1, Bytes: 2, ReceivedAt: time.Unix(0, 0).UTC()}

	st, err := r.Struct()
	require.NoError(t, err)
	assert.Equal(t, "hi", st.Fields["body"].GetStringValue())
	assert.EqualValues(t, 2, st.Fields["bytes"].GetNumberValue())
}
