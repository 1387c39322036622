// Package upstream talks to the expense platform API on behalf of one tenant.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/dukerupert/expensebackup/internal/backuperr"
	"github.com/dukerupert/expensebackup/internal/model"
)

const (
	expensesPath = "/api/tpa/v1/expenses"
	profilePath  = "/api/tpa/v1/employees/my_profile"

	// upstreamTimestamp is yyyy-MM-ddTHH:mm:ss.SSSZ.
	upstreamTimestamp = "2006-01-02T15:04:05.000Z"
)

// Config holds the API location and OAuth client registration.
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	PageSize     int
	Timeout      time.Duration
}

// Client is an authenticated client for a single tenant credential.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

type Option func(*clientOptions)

type clientOptions struct {
	base *http.Client
}

// WithHTTPClient sets the transport used for both token refresh and API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) {
		o.base = c
	}
}

// NewClient returns a client that exchanges refreshToken for access tokens as needed.
func NewClient(cfg Config, refreshToken string, opts ...Option) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = strings.TrimRight(cfg.BaseURL, "/") + "/api/oauth/token"
	}

	o := clientOptions{base: &http.Client{Timeout: cfg.Timeout}}
	for _, opt := range opts {
		opt(&o)
	}

	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	// The token source keeps this context for every refresh, so it only
	// carries the base HTTP client.
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, o.base)
	ts := oc.TokenSource(tokenCtx, &oauth2.Token{RefreshToken: refreshToken})

	return &Client{
		cfg:        cfg,
		httpClient: oauth2.NewClient(tokenCtx, ts),
	}
}

// Factory builds a tenant client from a credential.
type Factory func(credential string) *Client

// NewFactory returns a Factory bound to cfg.
func NewFactory(cfg Config, opts ...Option) Factory {
	return func(credential string) *Client {
		return NewClient(cfg, credential, opts...)
	}
}

type listResponse struct {
	// Count is the total number of matching expenses, when the API reports it.
	Count *int              `json:"count"`
	Data  []json.RawMessage `json:"data"`
}

// FetchRecords returns every expense matching the filters, in API order.
// An empty result is not an error.
func (c *Client) FetchRecords(ctx context.Context, f model.Filters) ([]model.FetchedRecord, error) {
	query, err := filterQuery(f)
	if err != nil {
		return nil, backuperr.Wrap(backuperr.ErrUpstreamUnavailable, "build expense query", err)
	}

	var records []model.FetchedRecord
	for offset := 0; ; offset += c.cfg.PageSize {
		query.Set("offset", strconv.Itoa(offset))
		query.Set("limit", strconv.Itoa(c.cfg.PageSize))

		var page listResponse
		if err := c.get(ctx, expensesPath, query, &page); err != nil {
			return nil, backuperr.Wrap(backuperr.ErrUpstreamUnavailable, "fetch expenses", err)
		}

		for _, raw := range page.Data {
			rec, err := model.DecodeRecord(raw)
			if err != nil {
				return nil, backuperr.Wrap(backuperr.ErrUpstreamUnavailable, "decode expense", err)
			}
			records = append(records, rec)
		}

		if len(page.Data) < c.cfg.PageSize {
			break
		}
		if page.Count != nil && offset+len(page.Data) >= *page.Count {
			break
		}
	}
	return records, nil
}

type attachmentsResponse struct {
	Data []model.Attachment `json:"data"`
}

// FetchAttachments returns the files attached to one expense.
func (c *Client) FetchAttachments(ctx context.Context, recordID string) ([]model.Attachment, error) {
	var resp attachmentsResponse
	path := expensesPath + "/" + url.PathEscape(recordID) + "/attachments"
	if err := c.get(ctx, path, nil, &resp); err != nil {
		return nil, backuperr.Wrap(backuperr.ErrUpstreamUnavailable, "fetch attachments for "+recordID, err)
	}
	for i := range resp.Data {
		resp.Data[i].RecordID = recordID
	}
	return resp.Data, nil
}

type profileResponse struct {
	Data model.Profile `json:"data"`
}

// FetchRequesterProfile returns the profile of the user the credential belongs to.
func (c *Client) FetchRequesterProfile(ctx context.Context) (model.Profile, error) {
	var resp profileResponse
	if err := c.get(ctx, profilePath, nil, &resp); err != nil {
		return model.Profile{}, backuperr.Wrap(backuperr.ErrUpstreamUnavailable, "fetch profile", err)
	}
	if resp.Data.Email == "" {
		return model.Profile{}, backuperr.Wrap(backuperr.ErrUpstreamUnavailable, "fetch profile", fmt.Errorf("profile has no email"))
	}
	return resp.Data, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	u := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// filterQuery encodes filters the way the expense API expects them:
// state=in.(A,B) and repeated approved_at/updated_at gte:/lte: bounds.
func filterQuery(f model.Filters) (url.Values, error) {
	q := url.Values{}
	if len(f.State) > 0 {
		states := make([]string, len(f.State))
		for i, s := range f.State {
			states[i] = string(s)
		}
		q.Set("state", "in.("+strings.Join(states, ",")+")")
	}
	if err := addRange(q, "approved_at", f.ApprovedAt); err != nil {
		return nil, err
	}
	if err := addRange(q, "updated_at", f.UpdatedAt); err != nil {
		return nil, err
	}
	return q, nil
}

func addRange(q url.Values, name string, r model.DateRange) error {
	if r.IsZero() {
		return nil
	}
	gte, lte, err := r.Bounds()
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if gte != nil {
		q.Add(name, "gte:"+gte.Format(upstreamTimestamp))
	}
	if lte != nil {
		q.Add(name, "lte:"+lte.Format(upstreamTimestamp))
	}
	return nil
}
