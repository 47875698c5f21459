// Package guard decides whether a caller may access an artifact of a given server.
package guard

import (
	"fmt"

	"github.com/and161185/backup-keeper/internal/errs"
	"github.com/and161185/backup-keeper/internal/model"
)

// Authorize allows the caller iff it belongs to the owning server's group.
func Authorize(caller model.Caller, owner model.Server) error {
	if caller.GroupID != owner.GroupID {
		return fmt.Errorf("caller %q group %d, server group %d: %w",
			caller.Subject, caller.GroupID, owner.GroupID, errs.ErrAccessDenied)
	}
	return nil
}
