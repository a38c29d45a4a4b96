package store

import (
	"github.com/dealsense/dealsense/internal/models"
)

// Merge reconciles a local store with a remote copy and returns a new store.
// Neither input is modified, and merging a store with itself returns an
// equal store.
//
// Policy: per session the variant with the higher message counter wins (the
// counter is the version number; ties keep local). Shared context fields
// merge by most-recent write timestamp per field. Insights concatenate;
// remote entries value-identical to one already held are skipped so that
// re-syncing the same data does not duplicate the log.
func Merge(local, remote *models.ConversationStore) *models.ConversationStore {
	if remote == nil {
		return local.Clone()
	}
	if local == nil {
		return remote.Clone()
	}

	out := local.Clone()
	for agentID, remoteSess := range remote.Sessions {
		localSess, ok := out.Sessions[agentID]
		if !ok || remoteSess.MessageCount > localSess.MessageCount {
			out.Sessions[agentID] = remoteSess.Clone()
		}
	}

	mergeSharedContext(&out.SharedContext, remote.SharedContext)

	if remote.LastUpdated.After(out.LastUpdated) {
		out.LastUpdated = remote.LastUpdated
	}
	return out
}

func mergeSharedContext(local *models.SharedContext, remote models.SharedContext) {
	fields := []string{
		models.FieldTargetCompany,
		models.FieldIndustry,
		models.FieldDealStage,
		models.FieldNotes,
	}
	for _, f := range fields {
		remoteAt, ok := remote.FieldUpdated[f]
		if !ok {
			continue
		}
		if localAt, ok := local.FieldUpdated[f]; ok && !remoteAt.After(localAt) {
			continue
		}
		local.SetField(f, remote.Field(f), remoteAt)
	}

	for _, in := range remote.Insights {
		if containsInsight(local.Insights, in) {
			continue
		}
		local.Insights = append(local.Insights, in)
	}
}

// containsInsight reports whether an equal-valued insight is already held.
// Identity is (agent, label, summary, timestamp); the ID is deliberately
// ignored so the same insight synced from two replicas is not doubled.
func containsInsight(haystack []models.Insight, needle models.Insight) bool {
	for _, in := range haystack {
		if in.AgentID == needle.AgentID &&
			in.Label == needle.Label &&
			in.Summary == needle.Summary &&
			in.CreatedAt.Equal(needle.CreatedAt) {
			return true
		}
	}
	return false
}
