package telegram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
)

func TestSendPostsHTMLMessage(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("chat_id") != "42" || r.Form.Get("text") != "<b>hi</b>" || r.Form.Get("parse_mode") != "HTML" {
			t.Errorf("unexpected form: %v", r.Form)
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	n := NewNotifier("TOKEN", server.URL+"/", server.Client())
	require.NoError(t, n.Send(context.Background(), "42", "<b>hi</b>"))
}

func TestSendClassifiesErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status    int
		body      string
		transient bool
	}{
		{http.StatusBadRequest, `{"ok":false,"description":"Bad Request: chat not found"}`, false},
		{http.StatusTooManyRequests, `{"ok":false,"description":"Too Many Requests: retry after 3"}`, true},
		{http.StatusBadGateway, ``, true},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))

		err := NewNotifier("TOKEN", server.URL, server.Client()).Send(context.Background(), "42", "x")
		server.Close()
		require.Error(t, err)
		var transient *domain.TransientError
		assert.Equal(t, tc.transient, errors.As(err, &transient), "status %d", tc.status)
	}

	require.Error(t, NewNotifier("", "", nil).Send(context.Background(), "42", "x"))
}
