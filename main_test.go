package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"chatok/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const testAPIAddr = "127.0.0.1:18887"

func TestIntegration(t *testing.T) {
	dbFile := "integration_test.db"
	_ = os.Remove(dbFile)
	defer func() { _ = os.Remove(dbFile) }()

	uploadsDir, err := os.MkdirTemp("", "uploads_test")
	require.NoError(t, err)
	defer func() { _ = os.RemoveAll(uploadsDir) }()

	_ = os.Setenv("CHATOK_DB", dbFile)
	_ = os.Setenv("API_ADDR", testAPIAddr)
	_ = os.Setenv("BASE_URL", "http://"+testAPIAddr)
	_ = os.Setenv("UPLOADS_PATH", uploadsDir)
	defer func() {
		_ = os.Unsetenv("CHATOK_DB")
		_ = os.Unsetenv("API_ADDR")
		_ = os.Unsetenv("BASE_URL")
		_ = os.Unsetenv("UPLOADS_PATH")
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := run(ctx); err != nil && err != context.Canceled {
			t.Errorf("Server error: %v", err)
		}
	}()

	waitForServer(t, fmt.Sprintf("http://%s/api/chat", testAPIAddr), 20)

	client := &http.Client{}

	// Step 1: Register two users.
	alice := registerUser(t, client, "Alice", "alice@example.com", "alice-password")
	bob := registerUser(t, client, "Bob", "bob@example.com", "bob-password")

	// Step 2: Login again works and issues a fresh token.
	loginBody, _ := json.Marshal(map[string]string{
		"email":    "alice@example.com",
		"password": "alice-password",
	})
	resp, err := client.Post(apiURL("/api/user/login"), "application/json", bytes.NewBuffer(loginBody))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Step 3: Search finds the other user, not the requester.
	req := authedRequest(t, "GET", apiURL("/api/user?search=example.com"), nil, alice.Token)
	respSearch, err := client.Do(req)
	require.NoError(t, err)
	defer func() { _ = respSearch.Body.Close() }()
	require.Equal(t, http.StatusOK, respSearch.StatusCode)

	var found []models.User
	require.NoError(t, json.NewDecoder(respSearch.Body).Decode(&found))
	require.Len(t, found, 1)
	require.Equal(t, bob.ID, found[0].ID)

	// Step 4: Direct chat is unique per pair, regardless of who starts it.
	chat := createDirectChat(t, client, alice.Token, bob.ID)
	same := createDirectChat(t, client, bob.Token, alice.ID)
	require.Equal(t, chat.ID, same.ID)

	// Step 5: Both users connect websockets and set up their sessions.
	aliceWS := dialWS(t, alice.Token)
	defer func() { _ = aliceWS.Close() }()
	bobWS := dialWS(t, bob.Token)
	defer func() { _ = bobWS.Close() }()

	setupSession(t, aliceWS)
	setupSession(t, bobWS)

	require.NoError(t, bobWS.WriteJSON(models.ClientEvent{
		Event:  models.EventJoinChat,
		ChatID: chat.ID,
	}))

	// Step 6: Alice persists a message over REST, then emits it on the
	// socket. Bob receives it exactly once.
	msgBody, _ := json.Marshal(map[string]string{
		"content": "hello **bob**",
		"chatId":  chat.ID,
	})
	reqMsg := authedRequest(t, "POST", apiURL("/api/message"), bytes.NewBuffer(msgBody), alice.Token)
	respMsg, err := client.Do(reqMsg)
	require.NoError(t, err)
	defer func() { _ = respMsg.Body.Close() }()
	require.Equal(t, http.StatusCreated, respMsg.StatusCode)

	var wireMsg models.WireMessage
	require.NoError(t, json.NewDecoder(respMsg.Body).Decode(&wireMsg))
	require.NotEmpty(t, wireMsg.ID)
	require.Contains(t, wireMsg.HTML, "<strong>bob</strong>")
	require.Equal(t, chat.ID, wireMsg.Chat.ID)

	require.NoError(t, aliceWS.WriteJSON(models.ClientEvent{
		Event:   models.EventNewMessage,
		Message: &wireMsg,
	}))

	received := readEvent(t, bobWS)
	require.Equal(t, models.EventMessageReceived, received.Event)
	require.NotNil(t, received.Message)
	require.Equal(t, wireMsg.ID, received.Message.ID)

	// Step 7: Typing fan-out reaches Bob's joined session.
	require.NoError(t, aliceWS.WriteJSON(models.ClientEvent{
		Event:  models.EventTyping,
		ChatID: chat.ID,
	}))
	typing := readEvent(t, bobWS)
	require.Equal(t, models.EventTyping, typing.Event)
	require.Equal(t, chat.ID, typing.ChatID)

	// Step 8: History returns the persisted message in order.
	reqHist := authedRequest(t, "GET", apiURL("/api/message/"+chat.ID), nil, bob.Token)
	respHist, err := client.Do(reqHist)
	require.NoError(t, err)
	defer func() { _ = respHist.Body.Close() }()
	require.Equal(t, http.StatusOK, respHist.StatusCode)

	var history []models.WireMessage
	require.NoError(t, json.NewDecoder(respHist.Body).Decode(&history))
	require.Len(t, history, 1)
	require.Equal(t, wireMsg.ID, history[0].ID)
	require.Equal(t, alice.ID, history[0].Sender.ID)

	// Step 9: Unauthenticated websocket dial is refused.
	_, wsResp, err := websocket.DefaultDialer.Dial(wsURL(""), nil)
	require.Error(t, err)
	if wsResp != nil {
		require.Equal(t, http.StatusUnauthorized, wsResp.StatusCode)
		_ = wsResp.Body.Close()
	}
}

type registeredUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Token string `json:"token"`
}

func registerUser(t *testing.T, client *http.Client, name, email, password string) registeredUser {
	t.Helper()

	body, _ := json.Marshal(map[string]string{
		"name":     name,
		"email":    email,
		"password": password,
	})
	resp, err := client.Post(apiURL("/api/user"), "application/json", bytes.NewBuffer(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var user registeredUser
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&user))
	require.NotEmpty(t, user.ID)
	require.NotEmpty(t, user.Token)
	return user
}

func createDirectChat(t *testing.T, client *http.Client, token, otherID string) models.WireChat {
	t.Helper()

	body, _ := json.Marshal(map[string]string{"userId": otherID})
	req := authedRequest(t, "POST", apiURL("/api/chat"), bytes.NewBuffer(body), token)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var chat models.WireChat
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&chat))
	require.Equal(t, models.ChatKindDirect, chat.Kind)
	require.Len(t, chat.Users, 2)
	return chat
}

func authedRequest(t *testing.T, method, url string, body *bytes.Buffer, token string) *http.Request {
	t.Helper()

	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequest(method, url, body)
	} else {
		req, err = http.NewRequest(method, url, nil)
	}
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func dialWS(t *testing.T, token string) *websocket.Conn {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(token), nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn
}

func setupSession(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	require.NoError(t, conn.WriteJSON(models.ClientEvent{Event: models.EventSetup}))
	ev := readEvent(t, conn)
	require.Equal(t, models.EventConnected, ev.Event)
}

func readEvent(t *testing.T, conn *websocket.Conn) models.ServerEvent {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev models.ServerEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func apiURL(path string) string {
	return fmt.Sprintf("http://%s%s", testAPIAddr, path)
}

func wsURL(token string) string {
	if token == "" {
		return fmt.Sprintf("ws://%s/ws", testAPIAddr)
	}
	return fmt.Sprintf("ws://%s/ws?token=%s", testAPIAddr, token)
}

func waitForServer(t *testing.T, urlStr string, retries int) {
	t.Helper()

	client := &http.Client{Timeout: 500 * time.Millisecond}
	for i := 0; i < retries; i++ {
		resp, err := client.Get(urlStr)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Server failed to start at %s after %d retries", urlStr, retries)
}
