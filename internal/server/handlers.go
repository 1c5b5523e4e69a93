package server

import (
	"encoding/json"
	"errors"
	"io/ioutil"
	"net/http"
	"strconv"

	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"threadline/internal/storage"
)

// TODO limit reading from body

type parsers struct {
	deleteUserPool         fastjson.ParserPool
	createConversationPool fastjson.ParserPool
	joinConversationPool   fastjson.ParserPool
	conversationsPool      fastjson.ParserPool
	sendMessagePool        fastjson.ParserPool
	editMessagePool        fastjson.ParserPool
	threadPool             fastjson.ParserPool
	unreadPool             fastjson.ParserPool
	markReadPool           fastjson.ParserPool
	notificationsPool      fastjson.ParserPool
}

type handler struct {
	logger  *zap.SugaredLogger
	store   *storage.Store
	parsers parsers
}

// writeID replies with a `{"id":N}` payload and the provided status code
func (h *handler) writeID(w http.ResponseWriter, status int, id int64) {
	payload := []byte(`{"id":` + strconv.FormatInt(id, 10) + `}`)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err := w.Write(payload)
	if err != nil {
		h.logger.Errorf("writing marshaled data to ResponseWriter: %v", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// writeJSON marshals v and replies with http.StatusOK
func (h *handler) writeJSON(w http.ResponseWriter, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(payload)
	if err != nil {
		h.logger.Errorf("writing marshaled data to ResponseWriter: %v", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// idField extracts a positive 64-bit integer field from a parsed request body
func idField(v *fastjson.Value, name string) (int64, string) {
	if !v.Exists(name) {
		return 0, "Missing Field \"" + name + "\""
	}

	id, err := v.Get(name).Int64()
	if err != nil {
		return 0, "Field \"" + name + "\" must be a 64-bit integer value"
	}

	if id < 1 {
		return 0, "Field \"" + name + "\" must be a valid id greater than zero"
	}

	return id, ""
}

// stringField extracts a non-empty string field from a parsed request body
func stringField(v *fastjson.Value, name string) (string, string) {
	if !v.Exists(name) {
		return "", "Missing Field \"" + name + "\""
	}

	value := v.Get(name)
	if value.Type() != fastjson.TypeString {
		return "", "Field \"" + name + "\" must be a string"
	}

	s := string(value.GetStringBytes())
	if len(s) == 0 {
		return "", "Field \"" + name + "\" must have non-zero length"
	}

	return s, ""
}

// createUser handles HTTP requests on "/users/add" endpoint
func (h *handler) createUser(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)
	if !fastjson.Exists(body, "username") {
		http.Error(w, "Missing Field \"username\"", http.StatusBadRequest)
		return
	}

	username := fastjson.GetString(body, "username")
	if len(username) == 0 {
		http.Error(w, "Field \"username\" must be a string and have non-zero length", http.StatusBadRequest)
		return
	}

	id, err := h.store.CreateUser(r.Context(), username)
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			http.Error(w, "User already exists", http.StatusBadRequest)
			return
		}
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeID(w, http.StatusCreated, id)
}

// deleteUser handles HTTP requests on "/users/delete" endpoint
func (h *handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.deleteUserPool.Get()
	defer h.parsers.deleteUserPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	userID, msg := idField(v, "user")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	err := h.store.DeleteUser(r.Context(), userID)
	if err != nil {
		switch err {
		case storage.ErrUserNotExist:
			http.Error(w, "User does not exist", http.StatusBadRequest)
			return
		default:
			h.logger.Error(err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}

// createConversation handles HTTP requests on "/conversations/add" endpoint
func (h *handler) createConversation(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.createConversationPool.Get()
	defer h.parsers.createConversationPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	if !v.Exists("users") {
		http.Error(w, "Missing Field \"users\"", http.StatusBadRequest)
		return
	}

	userValues, err := v.Get("users").Array()
	if err != nil {
		http.Error(w, "Field \"users\" must be an array", http.StatusBadRequest)
		return
	}

	userIDs := make([]int64, 0, len(userValues))
	for _, uv := range userValues {
		userID, err := uv.Int64()
		if err != nil {
			http.Error(w, "Each item in \"users\" array field must be a 64-bit integer value", http.StatusBadRequest)
			return
		}

		if userID < 1 {
			http.Error(w, "Each integer in \"users\" array must be a valid user id greater than zero", http.StatusBadRequest)
			return
		}
		userIDs = append(userIDs, userID)
	}

	id, err := h.store.CreateConversation(r.Context(), userIDs)
	if err != nil {
		switch err {
		case storage.ErrConversationNoUsers:
			http.Error(w, "Field \"users\" must not be empty", http.StatusBadRequest)
			return
		case storage.ErrConversationBadUsers:
			http.Error(w, "Bad user list", http.StatusBadRequest)
			return
		default:
			h.logger.Error(err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	}

	h.writeID(w, http.StatusCreated, id)
}

// joinConversation handles HTTP requests on "/conversations/join" endpoint
func (h *handler) joinConversation(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.joinConversationPool.Get()
	defer h.parsers.joinConversationPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	conversationID, msg := idField(v, "conversation")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	userID, msg := idField(v, "user")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	err := h.store.AddParticipant(r.Context(), conversationID, userID)
	if err != nil {
		switch err {
		case storage.ErrConversationNotExist:
			http.Error(w, "Conversation does not exist", http.StatusBadRequest)
			return
		case storage.ErrUserNotExist:
			http.Error(w, "User does not exist", http.StatusBadRequest)
			return
		case storage.ErrAlreadyParticipant:
			http.Error(w, "User is already a participant", http.StatusBadRequest)
			return
		default:
			h.logger.Error(err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}

// conversationsByUserID handles HTTP requests on "/conversations/get" endpoint
func (h *handler) conversationsByUserID(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.conversationsPool.Get()
	defer h.parsers.conversationsPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	userID, msg := idField(v, "user")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	conversations, err := h.store.ConversationsByUserID(r.Context(), userID)
	if err != nil {
		switch err {
		case storage.ErrUserNotExist:
			http.Error(w, "User does not exist", http.StatusBadRequest)
			return
		default:
			h.logger.Error(err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	}

	h.writeJSON(w, conversations)
}

// sendMessage handles HTTP requests on "/messages/send" endpoint
func (h *handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.sendMessagePool.Get()
	defer h.parsers.sendMessagePool.Put(parser)
	v, _ := parser.ParseBytes(body)

	senderID, msg := idField(v, "sender")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	var receiverID, conversationID, parentID int64
	if v.Exists("receiver") {
		receiverID, msg = idField(v, "receiver")
		if msg != "" {
			http.Error(w, msg, http.StatusBadRequest)
			return
		}
	}
	if v.Exists("conversation") {
		conversationID, msg = idField(v, "conversation")
		if msg != "" {
			http.Error(w, msg, http.StatusBadRequest)
			return
		}
	}
	if v.Exists("parent") {
		parentID, msg = idField(v, "parent")
		if msg != "" {
			http.Error(w, msg, http.StatusBadRequest)
			return
		}
	}

	text, msg := stringField(v, "text")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	id, err := h.store.CreateMessage(r.Context(), storage.NewMessage{
		Sender:       senderID,
		Receiver:     receiverID,
		Conversation: conversationID,
		Parent:       parentID,
		Text:         text,
	})
	if err != nil {
		switch err {
		case storage.ErrEmptyText:
			http.Error(w, "Field \"text\" must contain non-whitespace characters", http.StatusBadRequest)
			return
		case storage.ErrBadAddress:
			http.Error(w, "Exactly one of \"receiver\" and \"conversation\" must be provided", http.StatusBadRequest)
			return
		case storage.ErrBadSender:
			http.Error(w, "Sender with provided id does not exist", http.StatusBadRequest)
			return
		case storage.ErrBadReceiver:
			http.Error(w, "Receiver with provided id does not exist", http.StatusBadRequest)
			return
		case storage.ErrConversationNotExist:
			http.Error(w, "Conversation with provided id does not exist", http.StatusBadRequest)
			return
		case storage.ErrMessageNotExist:
			http.Error(w, "Parent message does not exist", http.StatusBadRequest)
			return
		case storage.ErrParentMismatch:
			http.Error(w, "Reply must stay in its parent's thread", http.StatusBadRequest)
			return
		default:
			h.logger.Error(err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	}

	h.writeID(w, http.StatusCreated, id)
}

// editMessage handles HTTP requests on "/messages/edit" endpoint
func (h *handler) editMessage(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.editMessagePool.Get()
	defer h.parsers.editMessagePool.Put(parser)
	v, _ := parser.ParseBytes(body)

	messageID, msg := idField(v, "message")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	editorID, msg := idField(v, "editor")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	text, msg := stringField(v, "text")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	err := h.store.EditMessage(r.Context(), messageID, text, editorID)
	if err != nil {
		switch err {
		case storage.ErrEmptyText:
			http.Error(w, "Field \"text\" must contain non-whitespace characters", http.StatusBadRequest)
			return
		case storage.ErrMessageNotExist:
			http.Error(w, "Message does not exist", http.StatusBadRequest)
			return
		case storage.ErrUserNotExist:
			http.Error(w, "Editor with provided id does not exist", http.StatusBadRequest)
			return
		default:
			h.logger.Error(err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}

// thread handles HTTP requests on "/messages/thread" endpoint
func (h *handler) thread(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.threadPool.Get()
	defer h.parsers.threadPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	messageID, msg := idField(v, "message")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	thread, err := h.store.Thread(r.Context(), messageID)
	if err != nil {
		switch err {
		case storage.ErrMessageNotExist:
			http.Error(w, "Message does not exist", http.StatusBadRequest)
			return
		case storage.ErrThreadCycle:
			h.logger.Errorf("thread for message %d: %v", messageID, err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		default:
			h.logger.Error(err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	}

	h.writeJSON(w, thread)
}

// unreadByUserID handles HTTP requests on "/messages/unread" endpoint
func (h *handler) unreadByUserID(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.unreadPool.Get()
	defer h.parsers.unreadPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	userID, msg := idField(v, "user")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	messages, err := h.store.UnreadByUserID(r.Context(), userID)
	if err != nil {
		switch err {
		case storage.ErrUserNotExist:
			http.Error(w, "User does not exist", http.StatusBadRequest)
			return
		default:
			h.logger.Error(err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	}

	h.writeJSON(w, messages)
}

// markRead handles HTTP requests on "/messages/read" endpoint
func (h *handler) markRead(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.markReadPool.Get()
	defer h.parsers.markReadPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	messageID, msg := idField(v, "message")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	err := h.store.MarkRead(r.Context(), messageID)
	if err != nil {
		switch err {
		case storage.ErrMessageNotExist:
			http.Error(w, "Message does not exist", http.StatusBadRequest)
			return
		default:
			h.logger.Error(err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}

// notificationsByUserID handles HTTP requests on "/notifications/get" endpoint
func (h *handler) notificationsByUserID(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.notificationsPool.Get()
	defer h.parsers.notificationsPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	userID, msg := idField(v, "user")
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	notifications, err := h.store.NotificationsByUserID(r.Context(), userID)
	if err != nil {
		switch err {
		case storage.ErrUserNotExist:
			http.Error(w, "User does not exist", http.StatusBadRequest)
			return
		default:
			h.logger.Error(err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	}

	h.writeJSON(w, notifications)
}
