package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "EmuHub/internal/errors"
)

func TestFromError(t *testing.T) {
	_, ok := FromError(SourceDispatch, xerrors.New(xerrors.CodeHookExecution, "hook failed"))
	assert.False(t, ok)

	_, ok = FromError(SourceDispatch, errors.New("plain"))
	assert.False(t, ok)

	cause := xerrors.Wrap(xerrors.CodeHookTimeout, context.DeadlineExceeded, "hook k exceeded 5s",
		xerrors.WithMetadata("hook_key", "k"))
	ev, ok := FromError(SourceDispatch, fmt.Errorf("dispatch: %w", cause))
	require.True(t, ok)
	assert.Equal(t, xerrors.CodeHookTimeout, ev.Code)
	assert.Equal(t, SourceDispatch, ev.Source)
	assert.Equal(t, "k", ev.Metadata["hook_key"])
	assert.False(t, ev.OccurredAt.IsZero())
}

func TestWebhookNotifier(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		received <- ev
	}))
	defer srv.Close()

	fan := NewFanout(LogNotifier{}, &WebhookNotifier{URL: srv.URL, Client: srv.Client()})
	err := fan.Notify(context.Background(), Event{Code: xerrors.CodeQueueFailure, Source: SourceExecution})
	require.NoError(t, err)
	ev := <-received
	assert.Equal(t, xerrors.CodeQueueFailure, ev.Code)
}

func TestWebhookNotifierStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewFanout(&WebhookNotifier{URL: srv.URL}).Notify(context.Background(), Event{})
	assert.ErrorContains(t, err, "channel webhook")
}

func TestReportSkipsNonAlerting(t *testing.T) {
	var nilFan *FanoutDispatcher
	nilFan.Report(SourcePlugin, errors.New("x"))
	NewFanout().Report(SourcePlugin, nil)
	NewFanout().Report(SourcePlugin, xerrors.New(xerrors.CodeNotFound, ""))
}
