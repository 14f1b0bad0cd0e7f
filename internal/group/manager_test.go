package group_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sigilo/internal/domain"
	"sigilo/internal/events"
	"sigilo/internal/group"
	"sigilo/internal/storage"
)

func TestManager_PersistsAcrossRestart(t *testing.T) {
	store := storage.NewMemoryStore()

	m := group.NewManager(store, nil, nil, alice)
	_, err := m.Create("g1")
	require.NoError(t, err)
	require.NoError(t, m.AddMember("g1", bob))
	_, err = m.Initialize("g1")
	require.NoError(t, err)

	sealed, err := m.Encrypt("g1", []byte("survives restart"))
	require.NoError(t, err)

	// A fresh manager over the same store sees the session.
	m2 := group.NewManager(store, nil, nil, alice)
	s, err := m2.Session("g1")
	require.NoError(t, err)
	require.True(t, s.IsMember(bob))

	// The restored chain continues past the pre-restart message.
	next, err := m2.Encrypt("g1", []byte("next"))
	require.NoError(t, err)
	require.Equal(t, sealed.Iteration+1, next.Iteration)
}

func TestManager_RemoveMemberPublishesRekey(t *testing.T) {
	store := storage.NewMemoryStore()
	bus := events.NewBus()

	var rekeys []group.RekeyNotice
	dispose := bus.Subscribe(events.GroupRekeyed, func(ev events.Event) {
		rekeys = append(rekeys, ev.Payload.(group.RekeyNotice))
	})
	defer dispose()

	m := group.NewManager(store, bus, nil, alice)
	_, err := m.Create("g1")
	require.NoError(t, err)
	require.NoError(t, m.AddMember("g1", bob))
	require.NoError(t, m.AddMember("g1", carol))
	_, err = m.Initialize("g1")
	require.NoError(t, err)

	_, pending, err := m.RemoveMember("g1", carol)
	require.NoError(t, err)
	require.Equal(t, []domain.Address{bob}, pending)
	require.Len(t, rekeys, 1)
	require.Equal(t, uint64(1), rekeys[0].Epoch)
}

func TestManager_RekeyIfNeeded(t *testing.T) {
	store := storage.NewMemoryStore()
	m := group.NewManager(store, nil, nil, alice)
	_, err := m.Create("g1")
	require.NoError(t, err)
	require.NoError(t, m.AddMember("g1", bob))
	_, err = m.Initialize("g1")
	require.NoError(t, err)

	dist, _, err := m.RekeyIfNeeded("g1", time.Now())
	require.NoError(t, err)
	require.Nil(t, dist, "fresh key must not rekey")

	dist, pending, err := m.RekeyIfNeeded("g1", time.Now().Add(group.RekeyInterval+time.Hour))
	require.NoError(t, err)
	require.NotNil(t, dist)
	require.Equal(t, []domain.Address{bob}, pending)
}

func TestManager_CloseRemovesState(t *testing.T) {
	store := storage.NewMemoryStore()
	m := group.NewManager(store, nil, nil, alice)
	_, err := m.Create("g1")
	require.NoError(t, err)
	require.NoError(t, m.Close("g1"))

	_, err = m.Session("g1")
	require.ErrorIs(t, err, domain.ErrProtocolState)
}
