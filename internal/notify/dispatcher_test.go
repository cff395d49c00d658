package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"callmeter/internal/billing"
)

type broadcast struct {
	msgType string
	callID  string
	data    any
}

type fakeHub struct {
	listeners int
	err       error
	sent      []broadcast
}

func (f *fakeHub) Broadcast(msgType, callID string, data any) error {
	f.sent = append(f.sent, broadcast{msgType: msgType, callID: callID, data: data})
	return f.err
}

func (f *fakeHub) Listeners(string) int { return f.listeners }

type fakeSMS struct {
	to   string
	body string
	err  error
}

func (f *fakeSMS) SendSMS(_ context.Context, to, body string) error {
	f.to, f.body = to, body
	return f.err
}

func TestNewDispatcher_ValidatesDependencies(t *testing.T) {
	_, err := NewDispatcher(nil, &fakeSMS{})
	require.Error(t, err)
	_, err = NewDispatcher(&fakeHub{}, nil)
	require.Error(t, err)
}

func TestSendLowTimeWarning(t *testing.T) {
	hub := &fakeHub{listeners: 1}
	d, err := NewDispatcher(hub, &fakeSMS{}, WithWarningAudioURL(" https://cdn.example.com/warn.mp3 "))
	require.NoError(t, err)

	err = d.SendLowTimeWarning(context.Background(), billing.Target{CallID: "CA1", Caller: "+1555"}, 4)
	require.NoError(t, err)
	require.Equal(t, []broadcast{{
		msgType: MessageLowTimeWarning,
		callID:  "CA1",
		data:    LowTimeWarning{CallID: "CA1", Caller: "+1555", RemainingMinutes: 4, AudioURL: "https://cdn.example.com/warn.mp3"},
	}}, hub.sent)
}

func TestSendLowTimeWarning_NoListeners(t *testing.T) {
	hub := &fakeHub{}
	d, err := NewDispatcher(hub, &fakeSMS{})
	require.NoError(t, err)

	err = d.SendLowTimeWarning(context.Background(), billing.Target{CallID: "CA1"}, 4)
	require.ErrorIs(t, err, ErrNoListeners)
	require.Empty(t, hub.sent)
}

func TestSendLowTimeWarning_BroadcastError(t *testing.T) {
	d, err := NewDispatcher(&fakeHub{listeners: 1, err: ErrBroadcastFull}, &fakeSMS{})
	require.NoError(t, err)

	err = d.SendLowTimeWarning(context.Background(), billing.Target{CallID: "CA1"}, 4)
	require.ErrorIs(t, err, ErrBroadcastFull)
}

func TestSendLowBalanceMessage(t *testing.T) {
	sms := &fakeSMS{}
	d, err := NewDispatcher(&fakeHub{}, sms)
	require.NoError(t, err)

	require.NoError(t, d.SendLowBalanceMessage(context.Background(), "+1555"))
	require.Equal(t, "+1555", sms.to)
	require.Equal(t, DefaultLowBalanceText, sms.body)

	require.Error(t, d.SendLowBalanceMessage(context.Background(), " "))
}

func TestSendLowBalanceMessage_CustomTextAndError(t *testing.T) {
	sms := &fakeSMS{err: errors.New("21610 unsubscribed")}
	d, err := NewDispatcher(&fakeHub{}, sms, WithLowBalanceText("Top up at https://example.com/topup"))
	require.NoError(t, err)

	err = d.SendLowBalanceMessage(context.Background(), "+1555")
	require.ErrorContains(t, err, "21610")
	require.Equal(t, "Top up at https://example.com/topup", sms.body)
}
