package storage

import (
	"time"

	"github.com/jackc/pgx/v4"
)

type participantRow struct {
	conversationID, userID int64
}

type participantBulk struct {
	rows []participantRow
	idx  int
}

func (pr participantRow) toInterface() []interface{} {
	return []interface{}{pr.conversationID, pr.userID}
}

func copyFromParticipants(rows []participantRow) pgx.CopyFromSource {
	return &participantBulk{
		rows: rows,
		idx:  -1,
	}
}

func (pb *participantBulk) Next() bool {
	pb.idx++
	return pb.idx < len(pb.rows)
}

func (pb *participantBulk) Values() ([]interface{}, error) {
	return pb.rows[pb.idx].toInterface(), nil
}

func (pb *participantBulk) Err() error {
	return nil
}

type notificationRow struct {
	userID    int64
	messageID int64
	createdAt time.Time
}

type notificationBulk struct {
	rows []notificationRow
	idx  int
}

func (nr notificationRow) toInterface() []interface{} {
	return []interface{}{nr.userID, nr.messageID, nr.createdAt}
}

func copyFromNotifications(rows []notificationRow) pgx.CopyFromSource {
	return &notificationBulk{
		rows: rows,
		idx:  -1,
	}
}

func (nb *notificationBulk) Next() bool {
	nb.idx++
	return nb.idx < len(nb.rows)
}

func (nb *notificationBulk) Values() ([]interface{}, error) {
	return nb.rows[nb.idx].toInterface(), nil
}

func (nb *notificationBulk) Err() error {
	return nil
}
