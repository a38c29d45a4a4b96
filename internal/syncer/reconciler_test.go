package syncer_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dealsense/dealsense/internal/models"
	"github.com/dealsense/dealsense/internal/store"
	"github.com/dealsense/dealsense/internal/syncer"
)

type memPersister struct {
	mu     sync.Mutex
	saves  int
	latest *models.ConversationStore
}

func (p *memPersister) SaveStore(st *models.ConversationStore) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
	p.latest = st.Clone()
	return nil
}

func (p *memPersister) state() (int, *models.ConversationStore) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves, p.latest
}

type fakeRemote struct {
	mu       sync.Mutex
	store    *models.ConversationStore
	fetchErr error
	pushErr  error
	pushes   int
}

func (r *fakeRemote) FetchStore(_ context.Context, _ string) (*models.ConversationStore, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fetchErr != nil {
		return nil, r.fetchErr
	}
	return r.store.Clone(), nil
}

func (r *fakeRemote) PushSession(_ context.Context, _, _ string, _ *models.AgentSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes++
	return r.pushErr
}

func (r *fakeRemote) pushCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pushes
}

func addMessages(st *models.ConversationStore, agentID string, n int) *models.ConversationStore {
	for i := 0; i < n; i++ {
		st = store.AddMessage(st, agentID, models.Message{
			ID:      fmt.Sprintf("m%d", i),
			Role:    models.RoleUser,
			Content: fmt.Sprintf("message %d", i),
		}, 0)
	}
	return st
}

func TestDebouncer_LastScheduledWins(t *testing.T) {
	d := syncer.NewDebouncer()
	defer d.Stop()

	var mu sync.Mutex
	var fired []int
	for i := 0; i < 5; i++ {
		i := i
		d.Schedule("key", 50*time.Millisecond, func() {
			mu.Lock()
			fired = append(fired, i)
			mu.Unlock()
		})
	}

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 {
		t.Fatalf("expected exactly one firing, got %d", len(fired))
	}
	if fired[0] != 4 {
		t.Errorf("expected the last scheduled action to fire, got %d", fired[0])
	}
}

func TestDebouncer_IndependentKeys(t *testing.T) {
	d := syncer.NewDebouncer()
	defer d.Stop()

	var mu sync.Mutex
	count := 0
	bump := func() {
		mu.Lock()
		count++
		mu.Unlock()
	}
	d.Schedule("a", 30*time.Millisecond, bump)
	d.Schedule("b", 30*time.Millisecond, bump)

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Errorf("expected both keys to fire, got %d", count)
	}
}

func TestOnMutation_CoalescesBurst(t *testing.T) {
	persister := &memPersister{}
	remote := &fakeRemote{store: store.New("user1")}
	rec := syncer.New(persister, remote, nil,
		syncer.WithDebounce(40*time.Millisecond, 60*time.Millisecond))
	defer rec.Stop()

	st := store.New("user1")
	const n = 8
	for i := 0; i < n; i++ {
		st = addMessages(st, "analyst", 1)
		rec.OnMutation(st, "analyst")
	}

	time.Sleep(200 * time.Millisecond)

	saves, latest := persister.state()
	if saves != 1 {
		t.Errorf("expected exactly one local persist for the burst, got %d", saves)
	}
	if latest == nil || latest.Sessions["analyst"].MessageCount != n {
		t.Error("persisted content should equal the state after the last mutation")
	}
	if pushes := remote.pushCount(); pushes != 1 {
		t.Errorf("expected at most one remote push for the burst, got %d", pushes)
	}
}

func TestFullSync_MergesAndPersists(t *testing.T) {
	persister := &memPersister{}
	remoteStore := addMessages(store.New("user1"), "legal", 5)
	remote := &fakeRemote{store: remoteStore}
	rec := syncer.New(persister, remote, nil)
	defer rec.Stop()

	local := addMessages(store.New("user1"), "analyst", 3)
	merged, err := rec.FullSync(context.Background(), local)
	if err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}

	if got := rec.State(); got != syncer.StateSynced {
		t.Errorf("state = %s, want %s", got, syncer.StateSynced)
	}
	if !rec.Synced() {
		t.Error("expected Synced() after successful full sync")
	}
	if merged.Sessions["legal"].MessageCount != 5 || merged.Sessions["analyst"].MessageCount != 3 {
		t.Error("merged store should carry both local and remote sessions")
	}
	saves, latest := persister.state()
	if saves != 1 || latest == nil {
		t.Errorf("expected merged store persisted once, got %d saves", saves)
	}
	// Only the session the remote is missing gets pushed back.
	if pushes := remote.pushCount(); pushes != 1 {
		t.Errorf("expected one catch-up push, got %d", pushes)
	}
}

func TestFullSync_RemoteFailureFallsBackToLocal(t *testing.T) {
	persister := &memPersister{}
	remote := &fakeRemote{fetchErr: errors.New("network unreachable")}
	rec := syncer.New(persister, remote, nil)
	defer rec.Stop()

	local := addMessages(store.New("user1"), "analyst", 2)
	merged, err := rec.FullSync(context.Background(), local)

	if err == nil {
		t.Fatal("expected fetch error to be reported")
	}
	if got := rec.State(); got != syncer.StateLocalOnly {
		t.Errorf("state = %s, want %s", got, syncer.StateLocalOnly)
	}
	if merged.Sessions["analyst"].MessageCount != 2 {
		t.Error("local data must remain authoritative after a failed sync")
	}
	if saves, _ := persister.state(); saves != 0 {
		t.Errorf("nothing should be persisted on fetch failure, got %d saves", saves)
	}
}

func TestFullSync_PushFailureDegradesState(t *testing.T) {
	persister := &memPersister{}
	remote := &fakeRemote{store: store.New("user1"), pushErr: errors.New("push rejected")}
	rec := syncer.New(persister, remote, nil)
	defer rec.Stop()

	local := addMessages(store.New("user1"), "analyst", 1)
	if _, err := rec.FullSync(context.Background(), local); err == nil {
		t.Fatal("expected push error to be reported")
	}
	if got := rec.State(); got != syncer.StateSyncFailed {
		t.Errorf("state = %s, want %s", got, syncer.StateSyncFailed)
	}
}

func TestOffline_SuppressesRemotePush(t *testing.T) {
	persister := &memPersister{}
	remote := &fakeRemote{store: store.New("user1")}
	rec := syncer.New(persister, remote, nil,
		syncer.WithDebounce(20*time.Millisecond, 30*time.Millisecond))
	defer rec.Stop()

	rec.SetOnline(false)
	st := addMessages(store.New("user1"), "analyst", 1)
	rec.OnMutation(st, "analyst")

	time.Sleep(100 * time.Millisecond)

	if pushes := remote.pushCount(); pushes != 0 {
		t.Errorf("offline mutations must not push, got %d pushes", pushes)
	}
	if saves, _ := persister.state(); saves != 1 {
		t.Errorf("local persistence still runs offline, got %d saves", saves)
	}
	if got := rec.State(); got != syncer.StateLocalOnly {
		t.Errorf("state = %s, want %s", got, syncer.StateLocalOnly)
	}
}
