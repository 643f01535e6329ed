package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Abdodiab2005/aqarmap-scraper/internal/crawler"
)

// Channel selects the contact channel requested from the lead API.
type Channel string

// Lead channels.
const (
	ChannelPhone    Channel = "phone"
	ChannelWhatsapp Channel = "whatsapp"
)

func (c Channel) leadType() int {
	if c == ChannelWhatsapp {
		return 11
	}
	return 1
}

// LeadResult is the contact data returned for a listing.
type LeadResult struct {
	Numbers []string
	LeadID  string
}

// Contact is the identity submitted with every lead request.
type Contact struct {
	FullName    string
	Email       string
	Phone       string
	CountryCode string
	Source      string
}

// ClientConfig configures the lead API client.
type ClientConfig struct {
	APIBase      string
	LeadEndpoint string
	// SiteBaseURL is used for the Origin and Referer headers.
	SiteBaseURL string
	UserAgent   string
	Timeout     time.Duration
	Contact     Contact
}

// Waiter paces outbound requests.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Client posts lead requests to the listings API.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	limiter Waiter
}

// NewClient builds a Client. httpClient and limiter may be nil.
func NewClient(cfg ClientConfig, httpClient *http.Client, limiter Waiter) *Client {
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	cfg.SiteBaseURL = strings.TrimRight(cfg.SiteBaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{cfg: cfg, http: httpClient, limiter: limiter}
}

type leadPhone struct {
	Number      string `json:"number"`
	CountryCode string `json:"country_code"`
}

type leadRequest struct {
	FullName string    `json:"fullName"`
	Email    string    `json:"email"`
	Phone    leadPhone `json:"phone"`
	Source   string    `json:"source"`
	Type     int       `json:"type"`
}

type leadResponse struct {
	LeadID json.RawMessage `json:"lead_id"`
	Lead   struct {
		Listing struct {
			ListingPhones []struct {
				Number string `json:"number"`
			} `json:"listing_phones"`
		} `json:"listing"`
	} `json:"lead"`
}

// RequestLead submits a lead for listingID and returns the revealed numbers.
// Non-2xx responses come back as *crawler.StatusError.
func (c *Client) RequestLead(
	ctx context.Context,
	listingID string,
	channel Channel,
	cred crawler.Credential,
) (LeadResult, error) {
	endpoint := fmt.Sprintf("%s/%s%s", c.cfg.APIBase, listingID, c.cfg.LeadEndpoint)
	body, err := json.Marshal(leadRequest{
		FullName: c.cfg.Contact.FullName,
		Email:    c.cfg.Contact.Email,
		Phone:    leadPhone{Number: c.cfg.Contact.Phone, CountryCode: c.cfg.Contact.CountryCode},
		Source:   c.cfg.Contact.Source,
		Type:     channel.leadType(),
	})
	if err != nil {
		return LeadResult{}, fmt.Errorf("encode lead request: %w", err)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, endpoint); err != nil {
			return LeadResult{}, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return LeadResult{}, fmt.Errorf("build lead request: %w", err)
	}
	c.setHeaders(req, listingID, channel, cred)

	resp, err := c.http.Do(req)
	if err != nil {
		return LeadResult{}, fmt.Errorf("lead request: %w", err)
	}
	defer resp.Body.Close()

	if err := crawler.CheckStatus(resp.StatusCode, endpoint); err != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return LeadResult{}, err
	}

	var decoded leadResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return LeadResult{}, fmt.Errorf("decode lead response: %w", err)
	}
	out := LeadResult{LeadID: rawID(decoded.LeadID)}
	for _, phone := range decoded.Lead.Listing.ListingPhones {
		if phone.Number != "" {
			out.Numbers = append(out.Numbers, phone.Number)
		}
	}
	return out, nil
}

func (c *Client) setHeaders(req *http.Request, listingID string, channel Channel, cred crawler.Credential) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "ar-EG,ar;q=0.9,en-US;q=0.8,en;q=0.7")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.cfg.SiteBaseURL != "" {
		req.Header.Set("Origin", c.cfg.SiteBaseURL)
		referer := c.cfg.SiteBaseURL + "/"
		if channel == ChannelPhone {
			referer = fmt.Sprintf("%s/ar/listing/%s/", c.cfg.SiteBaseURL, listingID)
		}
		req.Header.Set("Referer", referer)
	}
	if cred.Cookie != "" {
		req.Header.Set("Cookie", cred.Cookie)
	}
	if cred.AuthorizationToken != "" {
		req.Header.Set("Authorization", cred.AuthorizationToken)
	}
}

// rawID renders a JSON number or string id as text.
func rawID(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return s
}
