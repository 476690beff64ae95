package pipeline

import (
	"context"

	"github.com/basket/go-claw/internal/persistence"
)

// StoreLookup implements GroupLookup against the durable group registry.
type StoreLookup struct {
	Store *persistence.Store
}

// Lookup implements GroupLookup.
func (l StoreLookup) Lookup(groupJid string) (GroupInfo, bool) {
	g, err := l.Store.GetGroup(context.Background(), groupJid)
	if err != nil || g == nil {
		return GroupInfo{}, false
	}
	return GroupInfo{
		GroupFolder: g.GroupFolder,
		ChatJid:     g.ChatJid,
		SessionID:   g.SessionID,
		AgentID:     g.AgentID,
		IsMain:      g.IsMain,
	}, true
}
