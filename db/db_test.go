package db

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"msignal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestCreateAndAuthenticateUser(t *testing.T) {
	database := setupTestDB(t)

	require.NoError(t, database.CreateUser("alice", "secret"))

	ok, err := database.AuthenticateUser("alice", "secret")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = database.AuthenticateUser("alice", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	err = database.CreateUser("alice", "again")
	assert.True(t, errors.Is(err, models.ErrConflict), "duplicate login should conflict, got %v", err)
}

func TestChatMembershipAndPeers(t *testing.T) {
	database := setupTestDB(t)

	_, err := database.CreateChat("c1", []string{"alice", "bob"})
	require.NoError(t, err)
	require.NoError(t, database.AddFriendship("alice", "carol"))

	ok, err := database.IsParticipant("bob", "c1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = database.IsParticipant("carol", "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	peers, err := database.Peers("alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bob", "carol"}, peers)

	friends, err := database.Friends("carol")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, friends)
}

func TestMessageStateCompareAndSwap(t *testing.T) {
	database := setupTestDB(t)
	_, err := database.CreateChat("c1", []string{"alice", "bob"})
	require.NoError(t, err)

	msg := &models.Message{
		ID:        "m1",
		ChatID:    "c1",
		SenderID:  "alice",
		Content:   models.Content{Text: "hello"},
		State:     models.MessageSending,
		Timestamp: time.Now(),
	}
	require.NoError(t, database.SaveMessage(msg))
	require.NoError(t, database.UpdateMessageState("m1", models.MessageSending, models.MessageSent))

	err = database.UpdateMessageState("m1", models.MessageSending, models.MessageFailed)
	assert.True(t, errors.Is(err, models.ErrConflict))

	err = database.UpdateMessageState("missing", models.MessageSent, models.MessageDelivered)
	assert.True(t, errors.Is(err, models.ErrNotFound))

	pending, err := database.PendingMessages("bob", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "hello", pending[0].Content.Text)

	pending, err = database.PendingMessages("alice", 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "sender has no pending deliveries")
}

func TestReceiptsTrackEachRecipient(t *testing.T) {
	database := setupTestDB(t)
	_, err := database.CreateChat("g1", []string{"alice", "bob", "carol"})
	require.NoError(t, err)

	msg := &models.Message{
		ID:        "m1",
		ChatID:    "g1",
		SenderID:  "alice",
		Content:   models.Content{Text: "hi all"},
		State:     models.MessageSending,
		Timestamp: time.Now(),
	}
	require.NoError(t, database.SaveMessage(msg))

	pending, err := database.PendingMessages("bob", 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "unconfirmed messages are not pending")

	require.NoError(t, database.UpdateMessageState("m1", models.MessageSending, models.MessageSent))

	_, err = database.ReceiptState("m1", "alice")
	assert.True(t, errors.Is(err, models.ErrNotFound), "sender has no receipt")

	aggregate, err := database.AdvanceReceipt("m1", "carol", models.MessageSent, models.MessageDelivered)
	require.NoError(t, err)
	assert.Equal(t, models.MessageDelivered, aggregate)

	_, err = database.AdvanceReceipt("m1", "carol", models.MessageSent, models.MessageDelivered)
	assert.True(t, errors.Is(err, models.ErrConflict))

	pending, err = database.PendingMessages("bob", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.MessageSent, pending[0].State)

	pending, err = database.PendingMessages("carol", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	stored, err := database.GetMessage("m1")
	require.NoError(t, err)
	assert.Equal(t, models.MessageDelivered, stored.State)
}

func TestSinglePendingRequestPerPair(t *testing.T) {
	database := setupTestDB(t)

	first := &models.FriendRequest{ID: "r1", SenderID: "alice", ReceiverID: "bob", State: models.RequestPending, CreatedAt: time.Now()}
	require.NoError(t, database.SaveFriendRequest(first))

	reverse := &models.FriendRequest{ID: "r2", SenderID: "bob", ReceiverID: "alice", State: models.RequestPending, CreatedAt: time.Now()}
	err := database.SaveFriendRequest(reverse)
	assert.True(t, errors.Is(err, models.ErrConflict), "got %v", err)

	require.NoError(t, database.UpdateFriendRequestState("r1", models.RequestPending, models.RequestDeclined))
	require.NoError(t, database.SaveFriendRequest(reverse))

	found, err := database.PendingRequestForPair("alice", "bob")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "r2", found.ID)
}

func TestSingleActiveCallPerPair(t *testing.T) {
	database := setupTestDB(t)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = database.SaveCallSession(&models.CallSession{
				ID:        "call-" + string(rune('a'+i)),
				CallerID:  "alice",
				CalleeID:  "bob",
				Kind:      models.CallAudio,
				State:     models.CallCalling,
				StartedAt: time.Now(),
			})
		}(i)
	}
	wg.Wait()

	saved := 0
	for _, err := range errs {
		if err == nil {
			saved++
			continue
		}
		assert.True(t, errors.Is(err, models.ErrConflict), "got %v", err)
	}
	assert.Equal(t, 1, saved)

	active, err := database.ActiveCallForPair("bob", "alice")
	require.NoError(t, err)
	require.NotNil(t, active)

	now := time.Now()
	active.State = models.CallEnded
	active.EndedAt = &now
	require.NoError(t, database.UpdateCallState(active, models.CallCalling))

	stored, err := database.GetCallSession(active.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallEnded, stored.State)
	require.NotNil(t, stored.EndedAt)

	active, err = database.ActiveCallForPair("alice", "bob")
	require.NoError(t, err)
	assert.Nil(t, active)
}
