package session_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/omochice/realtime-chat-client/internal/session"
)

func TestStore_Empty(t *testing.T) {
	s := session.NewStore()

	_, ok := s.CurrentToken()
	assert.False(t, ok)
	_, ok = s.CurrentIdentity()
	assert.False(t, ok)
	assert.False(t, s.IsAuthenticated())
}

func TestStore_CreateAndClear(t *testing.T) {
	s := session.NewStore()
	s.Create("alice", "jwt")

	token, ok := s.CurrentToken()
	assert.True(t, ok)
	assert.Equal(t, "jwt", token)

	name, ok := s.CurrentIdentity()
	assert.True(t, ok)
	assert.Equal(t, "alice", name)
	assert.True(t, s.IsAuthenticated())

	cur, ok := s.Current()
	assert.True(t, ok)
	assert.Equal(t, session.Session{Username: "alice", Token: "jwt"}, cur)

	s.Clear()
	assert.False(t, s.IsAuthenticated())
	_, ok = s.Current()
	assert.False(t, ok)
}

func TestStore_EmptyTokenIsNotAuthenticated(t *testing.T) {
	s := session.NewStore()
	s.Create("alice", "")

	_, ok := s.CurrentToken()
	assert.False(t, ok)
	_, ok = s.CurrentIdentity()
	assert.False(t, ok)
	assert.False(t, s.IsAuthenticated())
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := session.NewStore()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Create("alice", "jwt")
		}()
		go func() {
			defer wg.Done()
			s.CurrentToken()
			s.CurrentIdentity()
		}()
	}
	wg.Wait()

	assert.True(t, s.IsAuthenticated())
}
