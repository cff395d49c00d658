package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	getOut *ssm.GetParameterOutput
	getErr error
	lastIn *ssm.GetParameterInput
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.lastIn = in
	return f.getOut, f.getErr
}

func strPtr(s string) *string { return &s }

func TestGetParameter_HappyPath(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name: strPtr("/callmeter/twilio"), Value: strPtr(`{"accountSid":"AC1"}`),
	}}}
	client, err := New(api)
	require.NoError(t, err)
	v, err := client.GetParameter(context.Background(), " /callmeter/twilio ")
	require.NoError(t, err)
	require.Equal(t, `{"accountSid":"AC1"}`, v)
	require.Equal(t, "/callmeter/twilio", *api.lastIn.Name)
	require.True(t, *api.lastIn.WithDecryption)
}

func TestGetParameter_HappyPath_SecureString(t *testing.T) {
	typeStr := "SecureString"
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name: strPtr("p"), Value: strPtr(`{"k":"v"}`), Type: types.ParameterType(typeStr),
	}}}
	client, err := New(api)
	require.NoError(t, err)
	v, err := client.GetParameter(context.Background(), "p")
	require.NoError(t, err)
	require.Equal(t, `{"k":"v"}`, v)
}

func TestGetParameter_MissingValue(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: strPtr("p"), Value: nil}}}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing value")
}

func TestGetParameter_ApiError(t *testing.T) {
	api := &fakeAPI{getErr: errors.New("boom")}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.Error(t, err)
	require.ErrorContains(t, err, "boom")
}

func TestGetParameter_ClientNotInitialized(t *testing.T) {
	_, err := (&Client{}).GetParameter(context.Background(), "p")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not initialized")
}

func TestGetParameter_EmptyName(t *testing.T) {
	api := &fakeAPI{}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "  ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "required")
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

type twilioCreds struct {
	AccountSID string `json:"accountSid"`
	AuthToken  string `json:"authToken"`
}

func TestGetJSON_HappyPath(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name: strPtr("p"), Value: strPtr(`{"accountSid":"AC1","authToken":"secret"}`),
	}}}
	client, err := New(api)
	require.NoError(t, err)

	var creds twilioCreds
	require.NoError(t, client.GetJSON(context.Background(), "p", &creds))
	require.Equal(t, twilioCreds{AccountSID: "AC1", AuthToken: "secret"}, creds)
}

func TestGetJSON_MalformedValue(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name: strPtr("p"), Value: strPtr("not-json"),
	}}}
	client, err := New(api)
	require.NoError(t, err)

	var creds twilioCreds
	err = client.GetJSON(context.Background(), "p", &creds)
	require.Error(t, err)
	require.Contains(t, err.Error(), "as JSON")
}

func TestGetJSON_ApiError(t *testing.T) {
	client, err := New(&fakeAPI{getErr: errors.New("AccessDeniedException")})
	require.NoError(t, err)

	var creds twilioCreds
	require.ErrorContains(t, client.GetJSON(context.Background(), "p", &creds), "AccessDeniedException")
}

func TestDecodeJSON_ErrorDoesNotLeakValue(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name: strPtr("/callmeter/twilio"), Value: strPtr(`{"accountSid":"AC1","authToken":"tok-123"`),
	}}}
	client, err := New(api)
	require.NoError(t, err)

	var creds twilioCreds
	err = DecodeJSON(context.Background(), client, "/callmeter/twilio", &creds)
	require.Error(t, err)
	require.Contains(t, err.Error(), "/callmeter/twilio")
	require.NotContains(t, err.Error(), "tok-123")
}

func TestDecodeJSON_NilGetter(t *testing.T) {
	var v map[string]string
	require.Error(t, DecodeJSON(context.Background(), nil, "p", &v))
}
