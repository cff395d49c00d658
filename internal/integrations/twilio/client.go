// Package twilio adapts the Twilio REST API for call control, SMS and webhook
// signature checks.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	twiliogo "github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"

	"callmeter/internal/domain"
	"callmeter/internal/integrations/paramstore"
)

const statusCompleted = "completed"

// callsAPI is the subset of the Twilio REST API the client uses.
// *openapi.ApiService satisfies it.
type callsAPI interface {
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
	FetchCall(sid string, params *openapi.FetchCallParams) (*openapi.ApiV2010Call, error)
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

type Getter = paramstore.Getter

// Credentials is the JSON shape stored in SSM for the Twilio account.
type Credentials struct {
	AccountSID string `json:"accountSid"`
	AuthToken  string `json:"authToken"`
}

// Client controls live calls and sends SMS through Twilio. Credentials are
// fetched from SSM on first use; a failed fetch is retried on the next call.
type Client struct {
	getter     Getter
	paramName  string
	fromNumber string
	newAPI     func(Credentials) callsAPI

	mu    sync.Mutex
	api   callsAPI
	creds Credentials
}

type Option func(*Client)

// WithCredentials skips the SSM lookup.
func WithCredentials(creds Credentials) Option {
	return func(c *Client) {
		c.creds = creds
	}
}

func NewClient(ps Getter, paramName, fromNumber string, opts ...Option) (*Client, error) {
	c := &Client{
		getter:     ps,
		paramName:  strings.TrimSpace(paramName),
		fromNumber: strings.TrimSpace(fromNumber),
		newAPI:     newRestAPI,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.creds.AuthToken == "" {
		if c.getter == nil {
			return nil, errors.New("twilio: paramstore getter must not be nil")
		}
		if c.paramName == "" {
			return nil, errors.New("twilio: credentials parameter name must not be empty")
		}
	}
	return c, nil
}

func newRestAPI(creds Credentials) callsAPI {
	rc := twiliogo.NewRestClientWithParams(twiliogo.ClientParams{
		Username: creds.AccountSID,
		Password: creds.AuthToken,
	})
	return rc.Api
}

func (c *Client) resolve(ctx context.Context) (callsAPI, Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.api != nil {
		return c.api, c.creds, nil
	}
	if c.creds.AuthToken == "" {
		creds, err := fetchCredentials(ctx, c.getter, c.paramName)
		if err != nil {
			return nil, Credentials{}, err
		}
		c.creds = creds
	}
	c.api = c.newAPI(c.creds)
	return c.api, c.creds, nil
}

func fetchCredentials(ctx context.Context, getter Getter, name string) (Credentials, error) {
	var creds Credentials
	if err := paramstore.DecodeJSON(ctx, getter, name, &creds); err != nil {
		return Credentials{}, fmt.Errorf("twilio: fetch credentials from paramstore: %w", err)
	}
	if creds.AccountSID == "" || creds.AuthToken == "" {
		return Credentials{}, errors.New("twilio: account sid and auth token are required")
	}
	return creds, nil
}

// TerminateCall hangs up a live call.
func (c *Client) TerminateCall(ctx context.Context, callID string) error {
	api, _, err := c.resolve(ctx)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &openapi.UpdateCallParams{}
	params.SetStatus(statusCompleted)
	if _, err := api.UpdateCall(callID, params); err != nil {
		return fmt.Errorf("twilio: terminate call %s: %w", callID, err)
	}
	return nil
}

// RedirectCallToAnnouncement replaces the call's instructions with the
// announcement followed by a hangup.
func (c *Client) RedirectCallToAnnouncement(ctx context.Context, callID, announcementRef string) error {
	doc, err := AnnouncementTwiML(announcementRef)
	if err != nil {
		return err
	}
	api, _, err := c.resolve(ctx)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &openapi.UpdateCallParams{}
	params.SetTwiml(doc)
	if _, err := api.UpdateCall(callID, params); err != nil {
		return fmt.Errorf("twilio: redirect call %s: %w", callID, err)
	}
	return nil
}

func (c *Client) FetchCallMetadata(ctx context.Context, callID string) (domain.CallMetadata, error) {
	api, _, err := c.resolve(ctx)
	if err != nil {
		return domain.CallMetadata{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.CallMetadata{}, err
	}
	call, err := api.FetchCall(callID, &openapi.FetchCallParams{})
	if err != nil {
		return domain.CallMetadata{}, fmt.Errorf("twilio: fetch call %s: %w", callID, err)
	}
	if call == nil {
		return domain.CallMetadata{}, fmt.Errorf("twilio: fetch call %s: empty response", callID)
	}
	return domain.CallMetadata{From: deref(call.From), To: deref(call.To)}, nil
}

// SendSMS sends body to the given number from the configured sender.
func (c *Client) SendSMS(ctx context.Context, to, body string) error {
	if c.fromNumber == "" {
		return errors.New("twilio: sender number is not configured")
	}
	api, _, err := c.resolve(ctx)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &openapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.fromNumber)
	params.SetBody(body)
	if _, err := api.CreateMessage(params); err != nil {
		return fmt.Errorf("twilio: send sms: %w", err)
	}
	return nil
}

// ValidateSignature checks an X-Twilio-Signature header against the full
// request URL and its POST form parameters.
func (c *Client) ValidateSignature(ctx context.Context, url string, params map[string]string, signature string) (bool, error) {
	if signature == "" {
		return false, nil
	}
	_, creds, err := c.resolve(ctx)
	if err != nil {
		return false, err
	}
	v := twilioclient.NewRequestValidator(creds.AuthToken)
	return v.Validate(url, params, signature), nil
}

// AnnouncementTwiML renders the instructions played before a forced hangup.
// A URL is played as audio; anything else is read out.
func AnnouncementTwiML(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("twilio: announcement must not be empty")
	}
	var first twiml.Element
	if strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://") {
		first = &twiml.VoicePlay{Url: ref}
	} else {
		first = &twiml.VoiceSay{Message: ref}
	}
	doc, err := twiml.Voice([]twiml.Element{first, &twiml.VoiceHangup{}})
	if err != nil {
		return "", fmt.Errorf("twilio: render announcement: %w", err)
	}
	return doc, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
