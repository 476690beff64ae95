package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GroupRecord is a durable group registration: the mapping the Group-Queue
// Core's FolderResolver and the Message Pipeline Adapter's GroupLookup are
// backed by.
type GroupRecord struct {
	GroupJid    string
	GroupFolder string
	ChatJid     string
	SessionID   string
	AgentID     string
	IsMain      bool
}

// UpsertGroup records or updates a group's routing info.
func (s *Store) UpsertGroup(ctx context.Context, g GroupRecord) error {
	if g.AgentID == "" {
		g.AgentID = "default"
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO groups (group_jid, group_folder, chat_jid, session_id, agent_id, is_main, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(group_jid) DO UPDATE SET
				group_folder = excluded.group_folder,
				chat_jid = excluded.chat_jid,
				session_id = excluded.session_id,
				agent_id = excluded.agent_id,
				is_main = excluded.is_main,
				updated_at = CURRENT_TIMESTAMP;
		`, g.GroupJid, g.GroupFolder, g.ChatJid, g.SessionID, g.AgentID, g.IsMain)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert group: %w", err)
	}
	return nil
}

// GetGroup fetches one group's routing info by JID.
func (s *Store) GetGroup(ctx context.Context, groupJid string) (*GroupRecord, error) {
	var g GroupRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT group_jid, group_folder, chat_jid, session_id, agent_id, is_main
		FROM groups WHERE group_jid = ?;
	`, groupJid).Scan(&g.GroupJid, &g.GroupFolder, &g.ChatJid, &g.SessionID, &g.AgentID, &g.IsMain)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return &g, nil
}

// ListGroups returns every registered group.
func (s *Store) ListGroups(ctx context.Context) ([]GroupRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_jid, group_folder, chat_jid, session_id, agent_id, is_main FROM groups ORDER BY created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []GroupRecord
	for rows.Next() {
		var g GroupRecord
		if err := rows.Scan(&g.GroupJid, &g.GroupFolder, &g.ChatJid, &g.SessionID, &g.AgentID, &g.IsMain); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
