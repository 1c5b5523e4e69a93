package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"threadline/internal/storage/zapadapter"
)

var (
	ErrUserExists           = errors.New("user already exists")
	ErrUserNotExist         = errors.New("user does not exist")
	ErrConversationNoUsers  = errors.New("empty participant list")
	ErrConversationBadUsers = errors.New("bad participant list")
	ErrConversationNotExist = errors.New("conversation does not exist")
	ErrAlreadyParticipant   = errors.New("user is already a participant")
	ErrMessageNotExist      = errors.New("message does not exist")
	ErrEmptyText            = errors.New("empty message text")
	ErrBadAddress           = errors.New("message must have exactly one of receiver and conversation")
	ErrBadSender            = errors.New("bad sender id")
	ErrBadReceiver          = errors.New("bad receiver id")
	ErrParentMismatch       = errors.New("reply does not belong to parent's thread")
	ErrThreadCycle          = errors.New("reply links form a cycle")
)

// Store defines fields used in db interaction processes
type Store struct {
	logger *zap.SugaredLogger
	db     *pgxpool.Pool
}

// New sets provided zap.Logger via zapadapter to pgxpool.Pool and returns instance of Store struct
func New(ctx context.Context, logger *zap.SugaredLogger, cfg Config, opts ...Option) (*Store, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}
	config.ConnConfig.Logger = zapadapter.NewLogger(logger.Desugar())

	for _, opt := range opts {
		opt.apply(config)
	}

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Store{
		logger: logger,
		db:     pool,
	}, nil
}

// Close closes the underlying connection pool
func (s *Store) Close() {
	s.db.Close()
}

// CreateUser creates user and returns its id.
func (s *Store) CreateUser(ctx context.Context, username string) (int64, error) {
	s.logger.Debugf("Creating user (%s)", username)

	var id int64
	sql := "insert into users (username, created_at) values ($1, $2) returning id"
	err := s.db.QueryRow(ctx, sql, username, time.Now()).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.UniqueViolation {
				return 0, ErrUserExists
			}
		}
		return 0, err
	}

	s.logger.Debugf("Created user (%s) with id %d", username, id)

	return id, nil
}

// CreateConversation performs two-step transaction to create conversation
// (1. insert conversation record; 2. bulk insert on "conversation_users" table) and returns its id
func (s *Store) CreateConversation(ctx context.Context, users []int64) (int64, error) {
	s.logger.Debugf("Creating conversation with users (%v)", users)

	if len(users) == 0 {
		return 0, ErrConversationNoUsers
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	// error handling can be omitted for rollback according docs
	// see https://pkg.go.dev/github.com/jackc/pgx/v4?tab=doc#hdr-Transactions or any source comment on Rollback
	defer tx.Rollback(context.Background())

	var id int64
	sql := "insert into conversations (created_at) values ($1) returning id"
	err = tx.QueryRow(ctx, sql, time.Now()).Scan(&id)
	if err != nil {
		return 0, err
	}

	rows := make([]participantRow, 0, len(users))
	for _, user := range users {
		rows = append(rows, participantRow{
			conversationID: id,
			userID:         user,
		})
	}

	_, err = tx.CopyFrom(ctx, pgx.Identifier{"conversation_users"}, []string{"conversation_id", "user_id"}, copyFromParticipants(rows))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.ForeignKeyViolation:
				return 0, ErrConversationBadUsers
			default:
				return 0, err
			}
		}
		return 0, err
	}

	err = tx.Commit(ctx)
	if err != nil {
		return 0, err
	}

	s.logger.Debugf("Created conversation with id %d", id)

	return id, nil
}

// AddParticipant adds a user to an existing conversation.
// Conversations are immutable apart from membership additions.
func (s *Store) AddParticipant(ctx context.Context, conversation, user int64) error {
	s.logger.Debugf("Adding user (id: %d) to conversation (id: %d)", user, conversation)

	sql := "insert into conversation_users (conversation_id, user_id) values ($1, $2)"
	_, err := s.db.Exec(ctx, sql, conversation, user)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.UniqueViolation:
				return ErrAlreadyParticipant
			case pgerrcode.ForeignKeyViolation:
				switch pgErr.ConstraintName {
				case "conversation_users_conversation_id_fkey":
					return ErrConversationNotExist
				case "conversation_users_user_id_fkey":
					return ErrUserNotExist
				default:
					return err
				}
			}
		}
		return err
	}

	return nil
}

// CreateMessage creates a message together with one unread notification per
// recipient inside a single transaction and returns the message id.
// For a direct message the single recipient is the receiver; for a
// conversation message every participant except the sender is notified.
func (s *Store) CreateMessage(ctx context.Context, m NewMessage) (int64, error) {
	s.logger.Debugf("Creating message from user (id: %d)", m.Sender)

	text := strings.TrimSpace(m.Text)
	if len(text) == 0 {
		return 0, ErrEmptyText
	}

	if (m.Receiver == 0) == (m.Conversation == 0) {
		return 0, ErrBadAddress
	}

	if m.Parent != 0 {
		parent, err := s.MessageByID(ctx, m.Parent)
		if err != nil {
			return 0, err
		}
		if err := checkLineage(m, parent); err != nil {
			return 0, err
		}
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(context.Background())

	now := time.Now()

	var id int64
	sql := `insert into messages (sender_id, receiver_id, conversation_id, parent_id, text, created_at)
			values ($1, $2, $3, $4, $5, $6) returning id`
	err = tx.QueryRow(ctx, sql, m.Sender, nullableID(m.Receiver), nullableID(m.Conversation), nullableID(m.Parent), text, now).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.ForeignKeyViolation:
				switch pgErr.ConstraintName {
				case "messages_sender_id_fkey":
					return 0, ErrBadSender
				case "messages_receiver_id_fkey":
					return 0, ErrBadReceiver
				case "messages_conversation_id_fkey":
					return 0, ErrConversationNotExist
				case "messages_parent_id_fkey":
					return 0, ErrMessageNotExist
				default:
					return 0, err
				}
			}
		}
		return 0, err
	}

	recipients, err := recipientsInTx(ctx, tx, m)
	if err != nil {
		return 0, err
	}

	rows := make([]notificationRow, 0, len(recipients))
	for _, user := range recipients {
		rows = append(rows, notificationRow{
			userID:    user,
			messageID: id,
			createdAt: now,
		})
	}

	_, err = tx.CopyFrom(ctx, pgx.Identifier{"notifications"}, []string{"user_id", "message_id", "created_at"}, copyFromNotifications(rows))
	if err != nil {
		return 0, err
	}

	err = tx.Commit(ctx)
	if err != nil {
		return 0, err
	}

	s.logger.Debugf("Created message with id %d, notified %d users", id, len(recipients))

	return id, nil
}

// checkLineage ensures a reply stays in its parent's thread: same
// conversation for conversation messages, same user pair for direct ones.
func checkLineage(m NewMessage, parent Message) error {
	if parent.Conversation != 0 {
		if m.Conversation != parent.Conversation {
			return ErrParentMismatch
		}
		return nil
	}

	pair := map[int64]bool{parent.Sender: true, parent.Receiver: true}
	if !pair[m.Sender] || !pair[m.Receiver] {
		return ErrParentMismatch
	}
	return nil
}

// recipientsInTx resolves notification recipients using the transaction's
// snapshot so fan-out matches the membership the message was created under.
func recipientsInTx(ctx context.Context, tx pgx.Tx, m NewMessage) ([]int64, error) {
	if m.Receiver != 0 {
		return []int64{m.Receiver}, nil
	}

	sql := "select user_id from conversation_users where conversation_id = $1 and user_id <> $2"
	rows, err := tx.Query(ctx, sql, m.Conversation, m.Sender)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipients []int64
	for rows.Next() {
		var user int64
		if err := rows.Scan(&user); err != nil {
			return nil, err
		}
		recipients = append(recipients, user)
	}

	return recipients, rows.Err()
}

// EditMessage overwrites message text, snapshotting the previous text into
// message_history first. Both writes happen in one transaction with the
// message row locked, so concurrent edits are serialized per message and a
// history row always matches exactly one overwrite. Editing with the same
// text is a no-op and leaves no history row.
func (s *Store) EditMessage(ctx context.Context, message int64, newText string, editor int64) error {
	s.logger.Debugf("Editing message (id: %d) by user (id: %d)", message, editor)

	newText = strings.TrimSpace(newText)
	if len(newText) == 0 {
		return ErrEmptyText
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(context.Background())

	var current string
	sql := "select text from messages where id = $1 for update"
	err = tx.QueryRow(ctx, sql, message).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrMessageNotExist
		}
		return err
	}

	if current == newText {
		return tx.Commit(ctx)
	}

	now := time.Now()

	sql = "insert into message_history (message_id, old_text, edited_at, edited_by) values ($1, $2, $3, $4)"
	_, err = tx.Exec(ctx, sql, message, current, now, editor)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.ForeignKeyViolation && pgErr.ConstraintName == "message_history_edited_by_fkey" {
				return ErrUserNotExist
			}
		}
		return err
	}

	sql = "update messages set text = $2, edited = true, edited_at = $3, edited_by = $4 where id = $1"
	_, err = tx.Exec(ctx, sql, message, newText, now, editor)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// HistoryByMessageID returns edit snapshots for a message, oldest first.
func (s *Store) HistoryByMessageID(ctx context.Context, message int64) ([]MessageHistory, error) {
	s.logger.Debugf("Retrieving history for message (id: %d)", message)

	var i int8
	sql := "select 1 from messages where id = $1"
	err := s.db.QueryRow(ctx, sql, message).Scan(&i)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotExist
		}
		return nil, err
	}

	sql = `select id, message_id, old_text, edited_at, coalesce(edited_by, 0)
			 from message_history
			where message_id = $1
			order by edited_at asc`

	var history []MessageHistory
	err = s.withRetry(ctx, func() error {
		rows, err := s.db.Query(ctx, sql, message)
		if err != nil {
			return err
		}
		defer rows.Close()

		history = history[:0]
		for rows.Next() {
			var h MessageHistory
			err = rows.Scan(&h.ID, &h.Message, &h.OldText, &h.EditedAt, &h.EditedBy)
			if err != nil {
				return err
			}
			history = append(history, h)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return history, nil
}

// DeleteUser removes a user in a single transaction. Foreign keys cascade
// the delete through sent and received messages, their history and replies,
// notifications and conversation memberships; either everything goes or
// nothing does.
func (s *Store) DeleteUser(ctx context.Context, user int64) error {
	s.logger.Debugf("Deleting user (id: %d)", user)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(context.Background())

	tag, err := tx.Exec(ctx, "delete from users where id = $1", user)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotExist
	}

	return tx.Commit(ctx)
}

// MarkRead sets the read flag on a message. Marking an already-read message
// again is a no-op, not an error.
func (s *Store) MarkRead(ctx context.Context, message int64) error {
	s.logger.Debugf("Marking message (id: %d) as read", message)

	tag, err := s.db.Exec(ctx, "update messages set read = true where id = $1", message)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotExist
	}

	return nil
}

// MessageByID returns a single message by id
func (s *Store) MessageByID(ctx context.Context, id int64) (Message, error) {
	sql := `select id, sender_id, coalesce(receiver_id, 0), coalesce(conversation_id, 0), coalesce(parent_id, 0),
				   text, created_at, edited, edited_at, coalesce(edited_by, 0), read
			  from messages
			 where id = $1`

	var m Message
	err := s.db.QueryRow(ctx, sql, id).Scan(&m.ID, &m.Sender, &m.Receiver, &m.Conversation, &m.Parent,
		&m.Text, &m.CreatedAt, &m.Edited, &m.EditedAt, &m.EditedBy, &m.Read)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrMessageNotExist
		}
		return Message{}, err
	}

	return m, nil
}

// UnreadByUserID returns unread messages addressed to the user, newest
// first. Each call re-runs the scan, so the result always reflects current
// read state.
func (s *Store) UnreadByUserID(ctx context.Context, user int64) ([]Message, error) {
	s.logger.Debugf("Retrieving unread messages for user (id: %d)", user)

	var i int8
	sql := "select 1 from users where id = $1"
	err := s.db.QueryRow(ctx, sql, user).Scan(&i)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotExist
		}
		return nil, err
	}

	sql = `select id, sender_id, coalesce(receiver_id, 0), coalesce(conversation_id, 0), coalesce(parent_id, 0),
				  text, created_at, edited, edited_at, coalesce(edited_by, 0), read
			 from messages
			where receiver_id = $1 and read = false
			order by created_at desc`

	var messages []Message
	err = s.withRetry(ctx, func() error {
		rows, err := s.db.Query(ctx, sql, user)
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

	s.logger.Debugf("Retrieved %d unread messages", len(messages))

	return messages, nil
}

// NotificationsByUserID returns all notifications for the user, newest first
func (s *Store) NotificationsByUserID(ctx context.Context, user int64) ([]Notification, error) {
	s.logger.Debugf("Retrieving notifications for user (id: %d)", user)

	var i int8
	sql := "select 1 from users where id = $1"
	err := s.db.QueryRow(ctx, sql, user).Scan(&i)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotExist
		}
		return nil, err
	}

	sql = `select id, user_id, message_id, is_read, created_at
			 from notifications
			where user_id = $1
			order by created_at desc`

	var notifications []Notification
	err = s.withRetry(ctx, func() error {
		rows, err := s.db.Query(ctx, sql, user)
		if err != nil {
			return err
		}
		defer rows.Close()

		notifications = notifications[:0]
		for rows.Next() {
			var n Notification
			err = rows.Scan(&n.ID, &n.User, &n.Message, &n.IsRead, &n.CreatedAt)
			if err != nil {
				return err
			}
			notifications = append(notifications, n)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return notifications, nil
}

// ConversationsByUserID returns all conversations the user participates in
// with full participant lists, ordered by the time of the last message
// (from latest to oldest)
func (s *Store) ConversationsByUserID(ctx context.Context, user int64) ([]Conversation, error) {
	s.logger.Debugf("Retrieving conversations for user (id: %d)", user)

	var i int8
	sql := "select 1 from users where id = $1"
	err := s.db.QueryRow(ctx, sql, user).Scan(&i)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotExist
		}
		return nil, err
	}

	type retrievedConversation struct {
		id        int64
		users     pgtype.JSONBArray
		createdAt time.Time
	}

	sql = ` -- user conversations ordered by last message
			with user_conversations as (
				select conversations.id,
					   conversations.created_at,
					   conversation_users.user_id,
					   min(age(clock_timestamp(), messages.created_at)) as time_since_message_creation
				  from conversations
				  join conversation_users
					on conversation_users.conversation_id = conversations.id
				  left join messages
					on conversations.id = messages.conversation_id
				 group by conversations.id, conversations.created_at, conversation_users.user_id
				having conversation_users.user_id = $1
				 order by time_since_message_creation
			),

			users_per_conversation as (
				select
					conversation_id,
					array_agg(jsonb_build_object('id', users.id, 'username', trim(users.username), 'created_at', users.created_at)) as users
				from conversation_users
				join users
				  on conversation_users.user_id = users.id
			   group by conversation_id
			)

			select user_conversations.id,
				   users_per_conversation.users,
				   user_conversations.created_at
			  from user_conversations
			  join users_per_conversation
				on user_conversations.id = users_per_conversation.conversation_id`

	var conversations []Conversation
	err = s.withRetry(ctx, func() error {
		rows, err := s.db.Query(ctx, sql, user)
		if err != nil {
			return err
		}
		defer rows.Close()

		conversations = conversations[:0]
		for rows.Next() {
			var c retrievedConversation
			err = rows.Scan(&c.id, &c.users, &c.createdAt)
			if err != nil {
				return err
			}

			current := Conversation{
				ID:           c.id,
				Participants: make([]User, len(c.users.Elements)),
				CreatedAt:    c.createdAt,
			}

			usersJSON := make([]string, len(c.users.Elements))
			err = c.users.AssignTo(&usersJSON)
			if err != nil {
				return err
			}

			for i, v := range usersJSON {
				err = json.Unmarshal([]byte(v), &current.Participants[i])
				if err != nil {
					return err
				}
			}

			conversations = append(conversations, current)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debugf("Retrieved %d conversations", len(conversations))

	return conversations, nil
}

// nullableID maps the zero id to NULL for optional foreign keys
func nullableID(id int64) interface{} {
	if id == 0 {
		return nil
	}
	return id
}
