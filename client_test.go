package msgsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func writeResult(w http.ResponseWriter, status int, data any, apiErr *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	res := map[string]any{"ok": apiErr == nil}
	if data != nil {
		res["data"] = data
	}
	if apiErr != nil {
		res["error"] = apiErr
	}
	_ = json.NewEncoder(w).Encode(res)
}

func newTestHTTPBackend(t *testing.T, mux *http.ServeMux) *HTTPBackend {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewHTTPBackend(WithBaseURL(srv.URL+"/"), WithToken("tok"), WithTimeout(5*time.Second))
}

func TestHTTPBackend(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 9, 2, 9, 0, 0, 0, time.UTC)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			writeResult(w, http.StatusUnauthorized, nil, &APIError{Code: "UNAUTHORIZED", Message: "no token"})
			return
		}
		writeResult(w, http.StatusOK, []ConversationSummary{{
			ID: "c1", ParticipantIDs: []string{r.URL.Query().Get("userId"), "u2"}, UnreadCount: 2,
		}}, nil)
	})
	mux.HandleFunc("GET /api/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "c1" {
			writeResult(w, http.StatusNotFound, nil, &APIError{Code: CodeNotFound, Message: "no such conversation"})
			return
		}
		writeResult(w, http.StatusOK, []Message{{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "hi", CreatedAt: at}}, nil)
	})
	mux.HandleFunc("POST /api/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		var req SendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
			writeResult(w, http.StatusBadRequest, nil, &APIError{Code: CodeBadRequest, Message: "content required"})
			return
		}
		if req.Content == "noid" {
			writeResult(w, http.StatusOK, Message{}, nil)
			return
		}
		writeResult(w, http.StatusOK, Message{ID: "m2", ConversationID: r.PathValue("id"),
			SenderID: req.SenderID, Content: req.Content, CreatedAt: at}, nil)
	})
	mux.HandleFunc("POST /api/conversations/direct", func(w http.ResponseWriter, r *http.Request) {
		var req DirectConversationRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeResult(w, http.StatusOK, DirectConversationResponse{ID: "c-" + req.UserID + "-" + req.PeerID}, nil)
	})
	mux.HandleFunc("POST /api/conversations/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, http.StatusInternalServerError, nil, &APIError{Code: CodeInternal, Message: "db down"})
	})
	mux.HandleFunc("GET /api/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, http.StatusOK, UserProfile{ID: r.PathValue("id"), Name: "Dr. Kamau", Role: "lecturer"}, nil)
	})
	b := newTestHTTPBackend(t, mux)

	t.Run("fetch conversations", func(t *testing.T) {
		list, err := b.FetchConversations(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.Equal(t, []string{"u1", "u2"}, list[0].ParticipantIDs)
		require.Equal(t, 2, list[0].UnreadCount)
	})

	t.Run("fetch messages", func(t *testing.T) {
		msgs, err := b.FetchMessages(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.True(t, at.Equal(msgs[0].CreatedAt))

		_, err = b.FetchMessages(ctx, "c404")
		require.ErrorIs(t, err, ErrNotFound)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, CodeNotFound, apiErr.Code)
	})

	t.Run("send message", func(t *testing.T) {
		m, err := b.SendMessage(ctx, "c1", "u1", "hello")
		require.NoError(t, err)
		require.Equal(t, "m2", m.ID)
		require.Equal(t, "u1", m.SenderID)

		_, err = b.SendMessage(ctx, "c1", "u1", "")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, CodeBadRequest, apiErr.Code)

		_, err = b.SendMessage(ctx, "c1", "u1", "noid")
		require.Error(t, err)
	})

	t.Run("find or create", func(t *testing.T) {
		id, err := b.FindOrCreateConversation(ctx, "u1", "u3")
		require.NoError(t, err)
		require.Equal(t, "c-u1-u3", id)
	})

	t.Run("mark read error", func(t *testing.T) {
		err := b.MarkRead(ctx, "c1", "u1")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, CodeInternal, apiErr.Code)
		require.NotErrorIs(t, err, ErrNotFound)
	})

	t.Run("lookup user", func(t *testing.T) {
		p, err := b.LookupUser(ctx, "u2")
		require.NoError(t, err)
		require.Equal(t, UserProfile{ID: "u2", Name: "Dr. Kamau", Role: "lecturer"}, p)
	})
}

func TestHTTPBackendRejectsNonEnvelope(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})
	b := newTestHTTPBackend(t, mux)

	_, err := b.FetchConversations(context.Background(), "u1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 502")
}

func TestHTTPBackendDrivesEngine(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(t0)
	mem := NewMemoryBackend(nil, clk)
	mem.PutUser(UserProfile{ID: "u1", Name: "Amina"})
	mem.PutUser(UserProfile{ID: "u2", Name: "Kamau"})
	mem.PutConversation("c1", "u1", "u2")

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations", func(w http.ResponseWriter, r *http.Request) {
		list, err := mem.FetchConversations(r.Context(), r.URL.Query().Get("userId"))
		if err != nil {
			writeResult(w, http.StatusInternalServerError, nil, &APIError{Code: CodeInternal, Message: err.Error()})
			return
		}
		writeResult(w, http.StatusOK, list, nil)
	})
	b := newTestHTTPBackend(t, mux)

	e := NewEngine("u1", b, NewMemoryHub(), &Config{Clock: clk})
	defer e.Close()
	require.NoError(t, e.Start(context.Background()))
	require.Len(t, e.ListConversations(), 1)
}
