package storage

import (
	"context"
)

// Thread returns the message with the provided id and all of its transitive
// replies as a tree. Descendants are fetched breadth-first, one query per
// reply level, so a thread of depth D costs D+1 round trips regardless of
// fanout. Replies at each level come back ordered by creation time
// ascending and keep that order in the tree.
//
// Parent links are expected to form a tree; a repeated message id during
// traversal means the data is corrupt and the call fails with
// ErrThreadCycle instead of looping.
func (s *Store) Thread(ctx context.Context, root int64) (*Thread, error) {
	s.logger.Debugf("Building thread for message (id: %d)", root)

	rootMsg, err := s.MessageByID(ctx, root)
	if err != nil {
		return nil, err
	}

	children := make(map[int64][]Message)
	visited := map[int64]bool{rootMsg.ID: true}

	level := []int64{rootMsg.ID}
	for len(level) > 0 {
		replies, err := s.repliesByParentIDs(ctx, level)
		if err != nil {
			return nil, err
		}

		next := make([]int64, 0, len(replies))
		for _, m := range replies {
			if visited[m.ID] {
				return nil, ErrThreadCycle
			}
			visited[m.ID] = true
			children[m.Parent] = append(children[m.Parent], m)
			next = append(next, m.ID)
		}
		level = next
	}

	thread := assembleThread(rootMsg, children)

	s.logger.Debugf("Built thread of %d messages for root (id: %d)", len(visited), root)

	return thread, nil
}

// repliesByParentIDs fetches every direct reply to any of the given
// messages in a single query
func (s *Store) repliesByParentIDs(ctx context.Context, parents []int64) ([]Message, error) {
	sql := `select id, sender_id, coalesce(receiver_id, 0), coalesce(conversation_id, 0), coalesce(parent_id, 0),
				   text, created_at, edited, edited_at, coalesce(edited_by, 0), read
			  from messages
			 where parent_id = any($1)
			 order by created_at asc`

	var messages []Message
	err := s.withRetry(ctx, func() error {
		rows, err := s.db.Query(ctx, sql, parents)
		if err != nil {
			return err
		}
		defer rows.Close()

		messages = messages[:0]
		for rows.Next() {
			var m Message
			err = rows.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Conversation, &m.Parent,
				&m.Text, &m.CreatedAt, &m.Edited, &m.EditedAt, &m.EditedBy, &m.Read)
			if err != nil {
				return err
			}
			messages = append(messages, m)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return messages, nil
}

// assembleThread builds the reply tree from messages grouped by parent id.
// Each group keeps the creation-time order it was fetched in.
func assembleThread(root Message, children map[int64][]Message) *Thread {
	t := &Thread{
		Message: root,
		Replies: []*Thread{},
	}

	for _, reply := range children[root.ID] {
		t.Replies = append(t.Replies, assembleThread(reply, children))
	}

	return t
}
