package groupqueue

import (
	"context"

	"github.com/basket/go-claw/internal/persistence"
)

// StoreFolderResolver backs FolderResolver with the durable group registry,
// so folder lookups survive a process restart instead of depending on
// whichever container happened to register a handle first.
type StoreFolderResolver struct {
	Store *persistence.Store
}

// Folder implements FolderResolver.
func (r StoreFolderResolver) Folder(groupJid string) (string, bool) {
	g, err := r.Store.GetGroup(context.Background(), groupJid)
	if err != nil || g == nil {
		return "", false
	}
	return g.GroupFolder, true
}
