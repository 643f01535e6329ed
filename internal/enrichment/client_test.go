package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Abdodiab2005/aqarmap-scraper/internal/crawler"
)

type countingWaiter struct {
	mu   sync.Mutex
	urls []string
}

func (w *countingWaiter) Wait(_ context.Context, rawURL string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.urls = append(w.urls, rawURL)
	return nil
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *countingWaiter) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	waiter := &countingWaiter{}
	client := NewClient(ClientConfig{
		APIBase:      srv.URL + "/api/v2/listing/",
		LeadEndpoint: "/lead",
		SiteBaseURL:  "https://example.com/",
		UserAgent:    "test-agent",
		Contact: Contact{
			FullName:    "Test User",
			Email:       "user@example.com",
			Phone:       "1000000000",
			CountryCode: "+20",
			Source:      "web",
		},
	}, srv.Client(), waiter)
	return client, waiter
}

func TestRequestLeadSendsPayloadAndHeaders(t *testing.T) {
	t.Parallel()

	var (
		gotPath   string
		gotHeader http.Header
		gotBody   map[string]any
	)
	client, waiter := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeader = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"lead_id": 9876, "lead": {"listing": {"listing_phones": [
			{"number": "+201000000001"}, {"number": ""}, {"number": "+201000000002"}]}}}`))
	})

	res, err := client.RequestLead(context.Background(), "555", ChannelPhone, crawler.Credential{
		Cookie:             "session=abc",
		AuthorizationToken: "Bearer xyz",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"+201000000001", "+201000000002"}, res.Numbers)
	require.Equal(t, "9876", res.LeadID)

	require.Equal(t, "/api/v2/listing/555/lead", gotPath)
	require.Equal(t, "session=abc", gotHeader.Get("Cookie"))
	require.Equal(t, "Bearer xyz", gotHeader.Get("Authorization"))
	require.Equal(t, "https://example.com", gotHeader.Get("Origin"))
	require.Equal(t, "https://example.com/ar/listing/555/", gotHeader.Get("Referer"))
	require.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	require.Equal(t, "test-agent", gotHeader.Get("User-Agent"))

	require.Equal(t, "Test User", gotBody["fullName"])
	require.Equal(t, "user@example.com", gotBody["email"])
	require.Equal(t, "web", gotBody["source"])
	require.EqualValues(t, 1, gotBody["type"])
	phone, ok := gotBody["phone"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "1000000000", phone["number"])
	require.Equal(t, "+20", phone["country_code"])

	require.Len(t, waiter.urls, 1)
}

func TestRequestLeadWhatsappChannel(t *testing.T) {
	t.Parallel()

	var (
		referer string
		kind    float64
	)
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		referer = r.Header.Get("Referer")
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		kind, _ = body["type"].(float64)
		_, _ = w.Write([]byte(`{"lead_id": "w-1", "lead": {"listing": {"listing_phones": []}}}`))
	})

	res, err := client.RequestLead(context.Background(), "555", ChannelWhatsapp, crawler.Credential{})
	require.NoError(t, err)
	require.Empty(t, res.Numbers)
	require.Equal(t, "w-1", res.LeadID)
	require.Equal(t, "https://example.com/", referer)
	require.EqualValues(t, 11, kind)
}

func TestRequestLeadMapsStatusCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, crawler.ErrRateLimited},
		{http.StatusUnauthorized, crawler.ErrUnauthorized},
		{http.StatusForbidden, crawler.ErrAccessDenied},
		{http.StatusBadGateway, crawler.ErrTransient},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()
			client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			})
			_, err := client.RequestLead(context.Background(), "1", ChannelPhone, crawler.Credential{})
			require.Error(t, err)
			require.True(t, errors.Is(err, tc.want), "got %v", err)

			var statusErr *crawler.StatusError
			require.ErrorAs(t, err, &statusErr)
			require.Equal(t, tc.status, statusErr.Status)
		})
	}
}

func TestRequestLeadRejectsMalformedBody(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	})
	_, err := client.RequestLead(context.Background(), "1", ChannelPhone, crawler.Credential{})
	require.ErrorContains(t, err, "decode lead response")
}

func TestRawID(t *testing.T) {
	t.Parallel()

	require.Equal(t, "42", rawID(json.RawMessage(`42`)))
	require.Equal(t, "abc", rawID(json.RawMessage(`"abc"`)))
	require.Empty(t, rawID(json.RawMessage(`null`)))
	require.Empty(t, rawID(nil))
}
