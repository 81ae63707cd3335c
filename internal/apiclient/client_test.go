package apiclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ctxBg() context.Context { return context.Background() }

func TestSendMessageSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer svc-token", r.Header.Get("Authorization"))
		assert.Equal(t, "alice", r.Header.Get("X-Internal-User-Id"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":1,"msgId":"m1"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "svc-token")
	out, err := c.SendMessage(ctxBg(), Principal{UserID: "alice", DeviceID: "d1"}, SendMessageRequest{MsgID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, "m1", out.MsgID)
}

func Test5xxIsRetriedThenFatal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "svc-token")
	c.baseBackoff = 0
	_, err := c.SendMessage(ctxBg(), Principal{UserID: "alice"}, SendMessageRequest{MsgID: "m1"})
	require.Error(t, err)
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, 500, fatal.StatusCode)
	assert.EqualValues(t, 3, calls)
}

func Test4xxIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(srv.URL, "svc-token")
	_, err := c.RecallMessage(ctxBg(), Principal{UserID: "alice"}, "m1")
	require.Error(t, err)
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, 403, fatal.StatusCode)
	assert.EqualValues(t, 1, calls)
}
