// Package syncer keeps a user's local conversation store reconciled with
// its remote copy.
//
// Local persistence and remote pushes are both debounced, with a longer
// window on the remote side so network calls coalesce more aggressively.
// Every remote failure degrades the sync state instead of surfacing to the
// user: the system stays fully usable with zero connectivity.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/dealsense/dealsense/internal/models"
	"github.com/dealsense/dealsense/internal/store"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// State of the reconciler.
type State string

const (
	StateLocalOnly  State = "local-only"
	StateSyncing    State = "syncing"
	StateSynced     State = "synced"
	StateSyncFailed State = "sync-failed"
)

// Default debounce windows. The remote window is deliberately longer than
// the local one.
const (
	DefaultLocalDebounce  = 500 * time.Millisecond
	DefaultRemoteDebounce = 3 * time.Second
)

// Persister writes a conversation store to local durable storage.
// *db.Database satisfies it.
type Persister interface {
	SaveStore(st *models.ConversationStore) error
}

// Reconciler schedules debounced persistence and reconciles local state
// against the remote store on demand.
type Reconciler struct {
	persister   Persister
	remote      Remote // nil disables remote sync entirely
	debounce    *Debouncer
	localDelay  time.Duration
	remoteDelay time.Duration
	logger      *zap.Logger

	mu     sync.Mutex
	state  State
	online bool
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithDebounce overrides the local and remote debounce windows.
func WithDebounce(local, remote time.Duration) Option {
	return func(r *Reconciler) {
		if local > 0 {
			r.localDelay = local
		}
		if remote > 0 {
			r.remoteDelay = remote
		}
	}
}

func New(persister Persister, remote Remote, logger *zap.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reconciler{
		persister:   persister,
		remote:      remote,
		debounce:    NewDebouncer(),
		localDelay:  DefaultLocalDebounce,
		remoteDelay: DefaultRemoteDebounce,
		logger:      logger,
		state:       StateLocalOnly,
		online:      true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current sync state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Synced reports whether the last reconciliation attempt succeeded.
func (r *Reconciler) Synced() bool {
	return r.State() == StateSynced
}

func (r *Reconciler) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// OnMutation schedules the debounced local persist of the whole store and,
// independently, a debounced remote push of the one session that changed.
// The store is snapshotted now, so the action that eventually fires writes
// the state as of the last mutation in the window.
func (r *Reconciler) OnMutation(st *models.ConversationStore, agentID string) {
	snapshot := st.Clone()
	r.debounce.Schedule("local", r.localDelay, func() {
		if err := r.persister.SaveStore(snapshot); err != nil {
			r.logger.Error("local persist failed", zap.Error(err), zap.String("user_id", snapshot.UserID))
		}
	})

	if r.remote == nil || agentID == "" {
		return
	}
	sess, ok := snapshot.Sessions[agentID]
	if !ok {
		return
	}
	r.mu.Lock()
	online := r.online
	r.mu.Unlock()
	if !online {
		return
	}
	r.debounce.Schedule("remote:"+agentID, r.remoteDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := r.remote.PushSession(ctx, snapshot.UserID, agentID, sess); err != nil {
			r.logger.Warn("remote push failed, continuing locally",
				zap.Error(err), zap.String("agent_id", agentID))
			r.setState(StateSyncFailed)
		}
	})
}

// FullSync fetches the remote store, merges it with local state, persists
// the result, and pushes back any session where the local variant won. The
// merged store is always returned; a non-nil error only means the caller
// should treat the state as not synced, never that local data was lost.
func (r *Reconciler) FullSync(ctx context.Context, local *models.ConversationStore) (*models.ConversationStore, error) {
	if r.remote == nil {
		r.setState(StateLocalOnly)
		return local.Clone(), nil
	}

	r.setState(StateSyncing)
	remote, err := r.remote.FetchStore(ctx, local.UserID)
	if err != nil {
		r.logger.Warn("remote fetch failed, falling back to local state", zap.Error(err))
		r.setState(StateLocalOnly)
		return local.Clone(), err
	}

	merged := store.Merge(local, remote)

	var errs error
	if err := r.persister.SaveStore(merged); err != nil {
		errs = multierr.Append(errs, err)
	}
	for agentID, sess := range merged.Sessions {
		if remote != nil {
			if remoteSess, ok := remote.Sessions[agentID]; ok && remoteSess.MessageCount >= sess.MessageCount {
				continue
			}
		}
		if err := r.remote.PushSession(ctx, merged.UserID, agentID, sess); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if errs != nil {
		r.logger.Warn("full sync completed with errors", zap.Error(errs))
		r.setState(StateSyncFailed)
		return merged, errs
	}

	r.setState(StateSynced)
	return merged, nil
}

// SetOnline records connectivity. Going offline downgrades to local-only;
// the caller is expected to run FullSync when connectivity returns.
func (r *Reconciler) SetOnline(online bool) {
	r.mu.Lock()
	r.online = online
	r.mu.Unlock()
	if !online {
		r.setState(StateLocalOnly)
	}
}

// Stop cancels all pending debounced work.
func (r *Reconciler) Stop() {
	r.debounce.Stop()
}
