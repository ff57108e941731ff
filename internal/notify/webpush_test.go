package notify

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu       sync.Mutex
	status   map[string]int
	payloads [][]byte
}

func (f *fakeSender) Send(_ context.Context, payload []byte, sub Subscription) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, append([]byte(nil), payload...))
	if code, ok := f.status[sub.Endpoint]; ok && code >= 400 {
		return code, errors.New("gateway rejected")
	}
	return 201, nil
}

func testSub(endpoint string) Subscription {
	return Subscription{
		Endpoint: endpoint,
		Keys:     SubscriptionKeys{P256DH: "BEl62iUYgUivxIkv69yViEuiBIa", Auth: "tBHItJI5svbpez7KI4CCXg"},
	}
}

func TestSubscriptionStoreUpsertAndRemove(t *testing.T) {
	store := NewSubscriptionStore(filepath.Join(t.TempDir(), ".team-config", "push-subscriptions.json"))

	subs, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, subs)

	require.NoError(t, store.Upsert(testSub("https://push.example.com/a")))
	require.NoError(t, store.Upsert(testSub("https://push.example.com/b")))
	replacement := testSub(" https://push.example.com/a ")
	replacement.Label = "laptop"
	require.NoError(t, store.Upsert(replacement))

	subs, err = store.List()
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "laptop", subs[0].Label)
	assert.False(t, subs[0].AddedAt.IsZero())

	removed, err := store.Remove("https://push.example.com/a")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = store.Remove("https://push.example.com/missing")
	require.NoError(t, err)
	assert.False(t, removed)

	subs, err = store.List()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "https://push.example.com/b", subs[0].Endpoint)
}

func TestSubscriptionValidate(t *testing.T) {
	bad := []Subscription{
		{},
		{Endpoint: "http://push.example.com/x", Keys: SubscriptionKeys{P256DH: "k", Auth: "a"}},
		{Endpoint: "https://push.example.com/x", Keys: SubscriptionKeys{Auth: "a"}},
		{Endpoint: "https://push.example.com/x", Keys: SubscriptionKeys{P256DH: "k"}},
	}
	for _, sub := range bad {
		assert.Error(t, sub.Validate())
	}
	assert.NoError(t, testSub("https://push.example.com/x").Validate())
}

func TestWebPushSinkPrunesGoneSubscriptions(t *testing.T) {
	store := NewSubscriptionStore(filepath.Join(t.TempDir(), "subs.json"))
	require.NoError(t, store.Upsert(testSub("https://push.example.com/live")))
	require.NoError(t, store.Upsert(testSub("https://push.example.com/gone")))

	sender := &fakeSender{status: map[string]int{"https://push.example.com/gone": 410}}
	sink := NewWebPushSink(store, sender)

	n := Notification{Kind: KindQuestion, PaneID: "%2", Title: "Crewpilot: Input Needed", Message: "Runner %2 is waiting for your answer", At: t0}
	require.NoError(t, sink.Send(context.Background(), n), "one subscription succeeded")

	subs, err := store.List()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "https://push.example.com/live", subs[0].Endpoint)

	require.Len(t, sender.payloads, 2)
	var msg PushMessage
	require.NoError(t, json.Unmarshal(sender.payloads[0], &msg))
	assert.Equal(t, "Crewpilot: Input Needed", msg.Title)
	assert.Equal(t, "crewpilot-question-%2", msg.Tag)
	assert.Equal(t, "%2", msg.PaneID)
	assert.Equal(t, "2026-04-01T12:00:00Z", msg.Timestamp)
	assert.True(t, msg.RequireInteraction)
}

func TestWebPushSinkAllFailed(t *testing.T) {
	store := NewSubscriptionStore(filepath.Join(t.TempDir(), "subs.json"))
	require.NoError(t, store.Upsert(testSub("https://push.example.com/x")))
	sink := NewWebPushSink(store, &fakeSender{status: map[string]int{"https://push.example.com/x": 500}})

	assert.Error(t, sink.Send(context.Background(), Notification{Kind: KindError, PaneID: "%1"}))
	subs, err := store.List()
	require.NoError(t, err)
	assert.Len(t, subs, 1, "5xx does not prune")
}

func TestWebPushSinkNoSubscriptions(t *testing.T) {
	sender := &fakeSender{}
	sink := NewWebPushSink(NewSubscriptionStore(filepath.Join(t.TempDir(), "subs.json")), sender)
	assert.NoError(t, sink.Send(context.Background(), Notification{Kind: KindError}))
	assert.Empty(t, sender.payloads)
}

func TestEnsureVAPIDKeys(t *testing.T) {
	orig := generateVAPIDKeys
	t.Cleanup(func() { generateVAPIDKeys = orig })
	calls := 0
	generateVAPIDKeys = func() (string, string, error) {
		calls++
		return "private-key", "public-key", nil
	}

	path := filepath.Join(t.TempDir(), "vapid-keys.json")
	keys, generated, err := EnsureVAPIDKeys(path, "mailto:a@example.com")
	require.NoError(t, err)
	assert.True(t, generated)
	assert.Equal(t, "public-key", keys.PublicKey)
	assert.Equal(t, "private-key", keys.PrivateKey)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	keys, generated, err = EnsureVAPIDKeys(path, "mailto:b@example.com")
	require.NoError(t, err)
	assert.False(t, generated)
	assert.Equal(t, "mailto:b@example.com", keys.Subject)
	assert.Equal(t, 1, calls)

	loaded, err := LoadVAPIDKeys(path)
	require.NoError(t, err)
	assert.Equal(t, "mailto:b@example.com", loaded.Subject)
}

func TestLoadVAPIDKeysMissing(t *testing.T) {
	_, err := LoadVAPIDKeys(filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestEndpointForLog(t *testing.T) {
	assert.Equal(t, "fcm.googleapis.com", endpointForLog("https://fcm.googleapis.com/fcm/send/abc"))
	assert.Equal(t, "short", endpointForLog("short"))
}
