package ingest

import (
	"errors"
	"testing"

	"github.com/meow-io/go-mirror/config"
	"github.com/meow-io/go-mirror/ids"
	"github.com/meow-io/go-mirror/internal/test"
	"github.com/meow-io/go-mirror/protocol"
	"github.com/stretchr/testify/require"
)

func newEnvelopeStore(t *testing.T) *EnvelopeStore {
	s, err := NewEnvelopeStore(test.NewTestDatabase(config.NewConfig()))
	require.Nil(t, err)
	return s
}

func TestEnvelopeRowRoundTrips(t *testing.T) {
	require := require.New(t)
	s := newEnvelopeStore(t)
	account := ids.NewID()
	env := &protocol.Envelope{
		Type:            protocol.TypeCiphertext,
		Source:          ids.NewID(),
		SourceE164:      "+15555550100",
		SourceDevice:    3,
		Timestamp:       1700000000123,
		LegacyMessage:   []byte{1, 2, 3},
		ServerReceived:  1700000000200,
		ServerDelivered: 1700000000300,
		ServerGUID:      "guid",
	}
	_, err := s.Insert(account, env)
	require.Nil(err)

	stored, err := s.Oldest(account)
	require.Nil(err)
	require.Equal(env, stored.Envelope())
	require.Equal(StateReceived, stored.State)
	e164, ok := stored.E164()
	require.True(ok)
	require.Equal("+15555550100", e164)
}

func TestEnvelopeAbsentStrings(t *testing.T) {
	require := require.New(t)
	s := newEnvelopeStore(t)
	account := ids.NewID()
	env := &protocol.Envelope{Type: protocol.TypeUnidentifiedSender, Timestamp: 5, Content: []byte("sealed")}
	_, err := s.Insert(account, env)
	require.Nil(err)

	stored, err := s.Oldest(account)
	require.Nil(err)
	_, ok := stored.Source()
	require.False(ok)
	_, ok = stored.E164()
	require.False(ok)
	_, ok = stored.GUID()
	require.False(ok)
	require.Equal(env, stored.Envelope())
}

func TestEnvelopeInsertDedupesGUID(t *testing.T) {
	require := require.New(t)
	s := newEnvelopeStore(t)
	account := ids.NewID()
	first, err := s.Insert(account, &protocol.Envelope{Timestamp: 1, ServerGUID: "same"})
	require.Nil(err)
	second, err := s.Insert(account, &protocol.Envelope{Timestamp: 1, ServerGUID: "same"})
	require.Nil(err)
	require.Equal(first.ID, second.ID)

	_, err = s.Insert(account, &protocol.Envelope{Timestamp: 1})
	require.Nil(err)
	_, err = s.Insert(account, &protocol.Envelope{Timestamp: 1})
	require.Nil(err)
	_, err = s.Insert(ids.NewID(), &protocol.Envelope{Timestamp: 1, ServerGUID: "same"})
	require.Nil(err)
	count, err := s.Count(account)
	require.Nil(err)
	require.Equal(3, count)
}

func TestEnvelopeFaultSurvivesReplay(t *testing.T) {
	require := require.New(t)
	s := newEnvelopeStore(t)
	account := ids.NewID()
	stored, err := s.Insert(account, &protocol.Envelope{Source: ids.NewID(), Timestamp: 9})
	require.Nil(err)

	require.Nil(s.MarkDispatched(stored.ID, &protocol.DecryptionError{Kind: protocol.ErrInvalidMessage}))
	stored, err = s.Oldest(account)
	require.Nil(err)
	require.Equal(StateDispatched, stored.State)
	var de *protocol.DecryptionError
	require.True(errors.As(stored.fault(), &de))
	require.True(errors.Is(de, protocol.ErrInvalidMessage))
	require.Equal(uint64(9), de.Timestamp)

	require.Nil(s.MarkDispatched(stored.ID, errors.New("reconcile failed")))
	stored, err = s.Oldest(account)
	require.Nil(err)
	require.EqualError(stored.fault(), "ingest: reconcile failed")

	require.Nil(s.MarkDispatched(stored.ID, nil))
	stored, err = s.Oldest(account)
	require.Nil(err)
	require.Nil(stored.fault())
}

func TestEnvelopePurge(t *testing.T) {
	require := require.New(t)
	s := newEnvelopeStore(t)
	account, other := ids.NewID(), ids.NewID()
	_, err := s.Insert(account, &protocol.Envelope{Timestamp: 1})
	require.Nil(err)
	_, err = s.Insert(other, &protocol.Envelope{Timestamp: 1})
	require.Nil(err)
	require.Nil(s.db.Run("purge", func() error {
		return s.PurgeNoLock(account)
	}))
	count, err := s.Count(account)
	require.Nil(err)
	require.Equal(0, count)
	count, err = s.Count(other)
	require.Nil(err)
	require.Equal(1, count)
}
