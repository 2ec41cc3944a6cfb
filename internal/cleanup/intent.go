package cleanup

import "github.com/tomasbasham/imagestore/internal/unitofwork"

// Kind selects which blob an intent removes for each outcome.
type Kind string

const (
	// DeleteOldOnCommit removes OldKey on commit and NewKey on rollback.
	DeleteOldOnCommit Kind = "delete_old_on_commit"

	// DeleteOnCommit removes NewKey on commit only.
	DeleteOnCommit Kind = "delete_on_commit"

	// DeleteNewOnRollback removes NewKey on rollback only.
	DeleteNewOnRollback Kind = "delete_new_on_rollback"
)

// Intent is a deferred delete decided during a unit of work. An empty key
// means absent.
type Intent struct {
	OldKey string
	NewKey string
	Kind   Kind
}

// ForUpload returns the intent for writing newKey over previousKey.
//
// A first upload has no previous blob, and is registered as
// DeleteNewOnRollback rather than DeleteOldOnCommit with an empty OldKey.
// The two behave the same: commit deletes nothing and rollback deletes
// newKey.
func ForUpload(previousKey, newKey string) Intent {
	if previousKey == "" {
		return Intent{NewKey: newKey, Kind: DeleteNewOnRollback}
	}
	return Intent{OldKey: previousKey, NewKey: newKey, Kind: DeleteOldOnCommit}
}

// ForDeletion returns the intent for dropping the reference to currentKey.
func ForDeletion(currentKey string) Intent {
	return Intent{NewKey: currentKey, Kind: DeleteOnCommit}
}

// Target returns the key to delete once the unit reaches outcome, or false if
// the intent is discarded on that branch.
func (i Intent) Target(outcome unitofwork.Outcome) (string, bool) {
	var key string
	switch outcome {
	case unitofwork.Committed:
		switch i.Kind {
		case DeleteOldOnCommit:
			key = i.OldKey
		case DeleteOnCommit:
			key = i.NewKey
		}
	case unitofwork.RolledBack:
		switch i.Kind {
		case DeleteOldOnCommit, DeleteNewOnRollback:
			key = i.NewKey
		}
	}
	return key, key != ""
}
