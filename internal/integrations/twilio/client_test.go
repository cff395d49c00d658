package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeCalls struct {
	updateErr  error
	fetchOut   *openapi.ApiV2010Call
	fetchErr   error
	messageErr error

	updatedSID  string
	lastUpdate  *openapi.UpdateCallParams
	fetchedSID  string
	lastMessage *openapi.CreateMessageParams
}

func (f *fakeCalls) UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error) {
	f.updatedSID = sid
	f.lastUpdate = params
	return &openapi.ApiV2010Call{}, f.updateErr
}

func (f *fakeCalls) FetchCall(sid string, _ *openapi.FetchCallParams) (*openapi.ApiV2010Call, error) {
	f.fetchedSID = sid
	return f.fetchOut, f.fetchErr
}

func (f *fakeCalls) CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error) {
	f.lastMessage = params
	return &openapi.ApiV2010Message{}, f.messageErr
}

type mockGetter struct {
	value string
	err   error
	calls int
}

func (m *mockGetter) GetParameter(_ context.Context, _ string) (string, error) {
	m.calls++
	return m.value, m.err
}

func strPtr(s string) *string { return &s }

func newTestClient(t *testing.T, api *fakeCalls) *Client {
	t.Helper()
	c, err := NewClient(nil, "", "+15550000000", WithCredentials(Credentials{AccountSID: "AC1", AuthToken: "secret"}))
	require.NoError(t, err)
	c.newAPI = func(Credentials) callsAPI { return api }
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil, "/callmeter/twilio", "+1555")
	require.Error(t, err)

	_, err = NewClient(&mockGetter{}, " ", "+1555")
	require.Error(t, err)

	_, err = NewClient(&mockGetter{}, "/callmeter/twilio", "+1555")
	require.NoError(t, err)
}

func TestResolve_FetchesCredentialsOnce(t *testing.T) {
	getter := &mockGetter{value: `{"accountSid":"AC1","authToken":"secret"}`}
	c, err := NewClient(getter, "/callmeter/twilio", "+1555")
	require.NoError(t, err)
	api := &fakeCalls{}
	var got Credentials
	c.newAPI = func(creds Credentials) callsAPI {
		got = creds
		return api
	}

	require.NoError(t, c.TerminateCall(context.Background(), "CA1"))
	require.NoError(t, c.TerminateCall(context.Background(), "CA2"))
	require.Equal(t, 1, getter.calls)
	require.Equal(t, Credentials{AccountSID: "AC1", AuthToken: "secret"}, got)
}

func TestResolve_RetriesAfterFailure(t *testing.T) {
	getter := &mockGetter{err: errors.New("AccessDeniedException")}
	c, err := NewClient(getter, "/callmeter/twilio", "+1555")
	require.NoError(t, err)
	c.newAPI = func(Credentials) callsAPI { return &fakeCalls{} }

	err = c.TerminateCall(context.Background(), "CA1")
	require.ErrorContains(t, err, "fetch credentials")

	getter.err = nil
	getter.value = `{"accountSid":"AC1","authToken":"secret"}`
	require.NoError(t, c.TerminateCall(context.Background(), "CA1"))
	require.Equal(t, 2, getter.calls)
}

func TestResolve_IncompleteCredentials(t *testing.T) {
	c, err := NewClient(&mockGetter{value: `{"accountSid":"AC1"}`}, "/callmeter/twilio", "+1555")
	require.NoError(t, err)

	err = c.TerminateCall(context.Background(), "CA1")
	require.ErrorContains(t, err, "required")
}

func TestTerminateCall(t *testing.T) {
	api := &fakeCalls{}
	c := newTestClient(t, api)

	require.NoError(t, c.TerminateCall(context.Background(), "CA1"))
	require.Equal(t, "CA1", api.updatedSID)
	require.Equal(t, "completed", *api.lastUpdate.Status)
	require.Nil(t, api.lastUpdate.Twiml)

	api.updateErr = errors.New("call not found")
	require.ErrorContains(t, c.TerminateCall(context.Background(), "CA1"), "terminate call CA1")
}

func TestTerminateCall_CanceledContext(t *testing.T) {
	api := &fakeCalls{}
	c := newTestClient(t, api)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, c.TerminateCall(ctx, "CA1"), context.Canceled)
	require.Empty(t, api.updatedSID)
}

func TestRedirectCallToAnnouncement(t *testing.T) {
	api := &fakeCalls{}
	c := newTestClient(t, api)

	require.NoError(t, c.RedirectCallToAnnouncement(context.Background(), "CA1", "https://cdn.example.com/out-of-credit.mp3"))
	require.Equal(t, "CA1", api.updatedSID)
	require.Nil(t, api.lastUpdate.Status)
	require.Contains(t, *api.lastUpdate.Twiml, "<Play>https://cdn.example.com/out-of-credit.mp3</Play>")
	require.Contains(t, *api.lastUpdate.Twiml, "<Hangup")
}

func TestAnnouncementTwiML(t *testing.T) {
	doc, err := AnnouncementTwiML("Your balance has run out. Goodbye.")
	require.NoError(t, err)
	require.Contains(t, doc, "<Say>Your balance has run out. Goodbye.</Say>")
	require.Contains(t, doc, "<Hangup")

	_, err = AnnouncementTwiML(" ")
	require.Error(t, err)
}

func TestFetchCallMetadata(t *testing.T) {
	api := &fakeCalls{fetchOut: &openapi.ApiV2010Call{From: strPtr("+15550001111"), To: strPtr("+15559998888")}}
	c := newTestClient(t, api)

	meta, err := c.FetchCallMetadata(context.Background(), "CA1")
	require.NoError(t, err)
	require.Equal(t, "+15550001111", meta.From)
	require.Equal(t, "+15559998888", meta.To)
	require.Equal(t, "CA1", api.fetchedSID)

	api.fetchOut = nil
	_, err = c.FetchCallMetadata(context.Background(), "CA1")
	require.ErrorContains(t, err, "empty response")

	api.fetchErr = errors.New("boom")
	_, err = c.FetchCallMetadata(context.Background(), "CA1")
	require.ErrorContains(t, err, "boom")
}

func TestSendSMS(t *testing.T) {
	api := &fakeCalls{}
	c := newTestClient(t, api)

	require.NoError(t, c.SendSMS(context.Background(), "+15550001111", "Top up at https://example.com"))
	require.Equal(t, "+15550001111", *api.lastMessage.To)
	require.Equal(t, "+15550000000", *api.lastMessage.From)
	require.Equal(t, "Top up at https://example.com", *api.lastMessage.Body)

	api.messageErr = errors.New("21211 invalid to")
	require.ErrorContains(t, c.SendSMS(context.Background(), "+1", "x"), "send sms")
}

func TestSendSMS_NoSender(t *testing.T) {
	c, err := NewClient(nil, "", "", WithCredentials(Credentials{AccountSID: "AC1", AuthToken: "secret"}))
	require.NoError(t, err)
	require.ErrorContains(t, c.SendSMS(context.Background(), "+1555", "x"), "sender")
}

func sign(token, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	payload := url
	for _, k := range keys {
		payload += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestValidateSignature(t *testing.T) {
	c := newTestClient(t, &fakeCalls{})
	url := "https://meter.example.com/call-status?caller=%2B15550001111&price=3"
	params := map[string]string{"CallSid": "CA1", "CallStatus": "completed", "CallDuration": "125"}

	ok, err := c.ValidateSignature(context.Background(), url, params, sign("secret", url, params))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.ValidateSignature(context.Background(), url, params, sign("wrong", url, params))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = c.ValidateSignature(context.Background(), url, params, "")
	require.NoError(t, err)
	require.False(t, ok)
}
