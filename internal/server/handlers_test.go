package server

import (
	"context"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"

	"github.com/caarlos0/env/v6"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"threadline/internal/storage"
	mytesting "threadline/internal/testing"
)

// validationHandler is enough for request-validation tests: every path
// under test rejects before the store is touched
func validationHandler(t *testing.T) *handler {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	return &handler{
		logger: logger.Sugar(),
	}
}

// bootstrapHandler connects to a live database; tests relying on it are
// skipped unless TEST_DATABASE is set
func bootstrapHandler(t *testing.T) *handler {
	if os.Getenv("TEST_DATABASE") == "" {
		t.Skip("set TEST_DATABASE to run tests against a live database")
	}

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	cfg := storage.Config{}
	require.NoError(t, env.Parse(&cfg))

	store, err := storage.New(context.Background(), logger.Sugar(), cfg)
	require.NoError(t, err)

	return &handler{
		logger: logger.Sugar(),
		store:  store,
	}
}

func int64String(id int64) string {
	return strconv.FormatInt(id, 10)
}

func parseID(t *testing.T, rr *httptest.ResponseRecorder) int64 {
	body, err := ioutil.ReadAll(rr.Body)
	require.NoError(t, err)

	var p fastjson.Parser
	v, err := p.ParseBytes(body)
	require.NoError(t, err)
	id, err := v.Get("id").Int64()
	require.NoError(t, err)
	return id
}

func TestCreateUserNoUsernameField(t *testing.T) {
	t.Parallel()

	h := validationHandler(t)

	rr := httptest.NewRecorder()
	http.HandlerFunc(h.createUser).ServeHTTP(rr, jsonRequest(t, "/users/add", `{"alice":"bob"}`))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Missing Field \"username\"\n", rr.Body.String())
}

func TestCreateUserEmptyUsername(t *testing.T) {
	t.Parallel()

	h := validationHandler(t)

	rr := httptest.NewRecorder()
	http.HandlerFunc(h.createUser).ServeHTTP(rr, jsonRequest(t, "/users/add", `{"username":""}`))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Field \"username\" must be a string and have non-zero length\n", rr.Body.String())
}

func TestDeleteUserBadID(t *testing.T) {
	t.Parallel()

	h := validationHandler(t)

	rr := httptest.NewRecorder()
	http.HandlerFunc(h.deleteUser).ServeHTTP(rr, jsonRequest(t, "/users/delete", `{"user":0}`))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Field \"user\" must be a valid id greater than zero\n", rr.Body.String())
}

func TestCreateConversationUsersNotArray(t *testing.T) {
	t.Parallel()

	h := validationHandler(t)

	rr := httptest.NewRecorder()
	http.HandlerFunc(h.createConversation).ServeHTTP(rr, jsonRequest(t, "/conversations/add", `{"users":"nope"}`))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Field \"users\" must be an array\n", rr.Body.String())
}

func TestCreateConversationBadUserItem(t *testing.T) {
	t.Parallel()

	h := validationHandler(t)

	rr := httptest.NewRecorder()
	http.HandlerFunc(h.createConversation).ServeHTTP(rr, jsonRequest(t, "/conversations/add", `{"users":[1,"two"]}`))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Each item in \"users\" array field must be a 64-bit integer value\n", rr.Body.String())
}

func TestJoinConversationMissingUser(t *testing.T) {
	t.Parallel()

	h := validationHandler(t)

	rr := httptest.NewRecorder()
	http.HandlerFunc(h.joinConversation).ServeHTTP(rr, jsonRequest(t, "/conversations/join", `{"conversation":1}`))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Missing Field \"user\"\n", rr.Body.String())
}

func TestSendMessageMissingSender(t *testing.T) {
	t.Parallel()

	h := validationHandler(t)

	rr := httptest.NewRecorder()
	http.HandlerFunc(h.sendMessage).ServeHTTP(rr, jsonRequest(t, "/messages/send", `{"receiver":2,"text":"hi"}`))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Missing Field \"sender\"\n", rr.Body.String())
}

func TestSendMessageMissingText(t *testing.T) {
	t.Parallel()

	h := validationHandler(t)

	rr := httptest.NewRecorder()
	http.HandlerFunc(h.sendMessage).ServeHTTP(rr, jsonRequest(t, "/messages/send", `{"sender":1,"receiver":2}`))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Missing Field \"text\"\n", rr.Body.String())
}

func TestSendMessageTextNotString(t *testing.T) {
	t.Parallel()

	h := validationHandler(t)

	rr := httptest.NewRecorder()
	http.HandlerFunc(h.sendMessage).ServeHTTP(rr, jsonRequest(t, "/messages/send", `{"sender":1,"receiver":2,"text":42}`))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Field \"text\" must be a string\n", rr.Body.String())
}

func TestEditMessageMissingEditor(t *testing.T) {
	t.Parallel()

	h := validationHandler(t)

	rr := httptest.NewRecorder()
	http.HandlerFunc(h.editMessage).ServeHTTP(rr, jsonRequest(t, "/messages/edit", `{"message":1,"text":"hi"}`))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Missing Field \"editor\"\n", rr.Body.String())
}

func TestThreadBadMessageID(t *testing.T) {
	t.Parallel()

	h := validationHandler(t)

	rr := httptest.NewRecorder()
	http.HandlerFunc(h.thread).ServeHTTP(rr, jsonRequest(t, "/messages/thread", `{"message":"one"}`))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Field \"message\" must be a 64-bit integer value\n", rr.Body.String())
}

func TestMarkReadMissingMessage(t *testing.T) {
	t.Parallel()

	h := validationHandler(t)

	rr := httptest.NewRecorder()
	http.HandlerFunc(h.markRead).ServeHTTP(rr, jsonRequest(t, "/messages/read", `{}`))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Missing Field \"message\"\n", rr.Body.String())
}

func TestCreateUserCreated(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)

	rr := httptest.NewRecorder()
	payload := `{"username":"` + mytesting.RandString() + `"}`
	http.HandlerFunc(h.createUser).ServeHTTP(rr, jsonRequest(t, "/users/add", payload))

	require.Equal(t, http.StatusCreated, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	require.Greater(t, parseID(t, rr), int64(0))
}

func TestSendAndThreadFlow(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)

	rr := httptest.NewRecorder()
	http.HandlerFunc(h.createUser).ServeHTTP(rr, jsonRequest(t, "/users/add", `{"username":"`+mytesting.RandString()+`"}`))
	require.Equal(t, http.StatusCreated, rr.Code)
	sender := parseID(t, rr)

	rr = httptest.NewRecorder()
	http.HandlerFunc(h.createUser).ServeHTTP(rr, jsonRequest(t, "/users/add", `{"username":"`+mytesting.RandString()+`"}`))
	require.Equal(t, http.StatusCreated, rr.Code)
	receiver := parseID(t, rr)

	rr = httptest.NewRecorder()
	payload := `{"sender":` + int64String(sender) + `,"receiver":` + int64String(receiver) + `,"text":"root"}`
	http.HandlerFunc(h.sendMessage).ServeHTTP(rr, jsonRequest(t, "/messages/send", payload))
	require.Equal(t, http.StatusCreated, rr.Code)
	root := parseID(t, rr)

	rr = httptest.NewRecorder()
	payload = `{"sender":` + int64String(receiver) + `,"receiver":` + int64String(sender) + `,"parent":` + int64String(root) + `,"text":"reply"}`
	http.HandlerFunc(h.sendMessage).ServeHTTP(rr, jsonRequest(t, "/messages/send", payload))
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = httptest.NewRecorder()
	http.HandlerFunc(h.thread).ServeHTTP(rr, jsonRequest(t, "/messages/thread", `{"message":`+int64String(root)+`}`))
	require.Equal(t, http.StatusOK, rr.Code)

	var p fastjson.Parser
	v, err := p.ParseBytes(rr.Body.Bytes())
	require.NoError(t, err)
	require.Equal(t, root, v.Get("message").GetInt64("id"))
	require.Len(t, v.GetArray("replies"), 1)
}
