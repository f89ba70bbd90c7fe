package rooms

import "time"

// TitleChange is a rename request carrying the client-side timestamp of the
// edit. Debounced autosaves and explicit saves race; the timestamp decides.
type TitleChange struct {
	Title           string
	ClientUpdatedAt int64
}

// TitleOutcome captures the decision from resolveTitleChange.
type TitleOutcome struct {
	Accepted        bool
	Title           string
	TitleUpdatedAtS int64
}

// resolveTitleChange applies last-write-wins over the client edit timestamp.
// A change with no timestamp is treated as happening now, so plain renames
// always land; a replayed stale autosave loses to a newer stored write. Ties
// accept the incoming change (the later request wins).
func resolveTitleChange(stored Room, change TitleChange, appliedAt time.Time) TitleOutcome {
	clientUpdatedAt := change.ClientUpdatedAt
	if clientUpdatedAt <= 0 {
		clientUpdatedAt = appliedAt.Unix()
	}

	if clientUpdatedAt < stored.TitleUpdatedAtS {
		return TitleOutcome{
			Accepted:        false,
			Title:           stored.Title,
			TitleUpdatedAtS: stored.TitleUpdatedAtS,
		}
	}

	return TitleOutcome{
		Accepted:        true,
		Title:           change.Title,
		TitleUpdatedAtS: clientUpdatedAt,
	}
}
