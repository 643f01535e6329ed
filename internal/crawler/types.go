package crawler

import (
	"fmt"
	"strings"
	"time"
)

// Target is one listings category crawled end to end. It is immutable once a
// run starts.
type Target struct {
	Name      string `mapstructure:"name"`
	SeedURL   string `mapstructure:"url"`
	StartPage int    `mapstructure:"start_page"`
	// PageLimit bounds discovery when > 0; otherwise the end page is probed.
	PageLimit int `mapstructure:"page_limit"`
}

// CandidatesCollection names the collection holding the target's candidate URLs.
func (t Target) CandidatesCollection() string {
	return collectionName(t.Name, "candidates")
}

// ListingsCollection names the collection holding the target's listing records.
func (t Target) ListingsCollection() string {
	return collectionName(t.Name, "listings")
}

// CheckpointKey identifies the discovery checkpoint of the target.
func (t Target) CheckpointKey() string {
	return t.Name + ":discovery"
}

func collectionName(target, kind string) string {
	name := strings.ToLower(strings.TrimSpace(target))
	name = strings.NewReplacer("-", "_", " ", "_", ".", "_").Replace(name)
	return fmt.Sprintf("%s_%s", name, kind)
}

// CandidateState is the extraction lifecycle of a candidate URL.
type CandidateState string

// Candidate states persisted on candidate documents.
const (
	CandidateNew     CandidateState = "new"
	CandidateScraped CandidateState = "scraped"
	CandidateFailed  CandidateState = "failed"
)

// Field names shared by candidate and listing documents.
const (
	FieldURL             = "url"
	FieldState           = "state"
	FieldScraped         = "scraped"
	FieldError           = "error"
	FieldInsertedAt      = "insertedAt"
	FieldScrapedAt       = "scrapedAt"
	FieldFailedAt        = "failedAt"
	FieldCreatedAt       = "createdAt"
	FieldLastResult      = "lastResult"
	FieldLastScrapedAt   = "lastScrapedAt"
	FieldPhoneNumber     = "phoneNumber"
	FieldWhatsappNumber  = "whatsappNumber"
	FieldLeadID          = "leadId"
	FieldPhoneUpdatedAt  = "phoneUpdatedAt"
	FieldPhoneError      = "phoneError"
	FieldLastPhoneResult = "lastPhoneResult"
	FieldWhatsappLeadID  = "whatsappLeadId"
	FieldWhatsappAt      = "whatsappUpdatedAt"
)

// Result values stored in lastResult and lastPhoneResult.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// CandidateURL is a listing URL discovered by the walker and consumed by the
// extraction pool.
type CandidateURL struct {
	URL        string
	State      CandidateState
	Error      string
	InsertedAt time.Time
	ScrapedAt  *time.Time
	FailedAt   *time.Time
}

// ListingRecord is the extracted listing plus its enrichment outcome.
type ListingRecord struct {
	URL            string
	Fields         map[string]any
	PhoneNumbers   []string
	WhatsappNumber []string
	LastResult     string
	CreatedAt      time.Time
	LastScrapedAt  time.Time
}

// Checkpoint records discovery progress for one target and stage. LastPage
// only moves forward within a run.
type Checkpoint struct {
	Key           string
	LastPageTried int
	LastPage      int
	UpdatedAt     time.Time
}

// Merge folds next into c keeping both page counters monotone.
func (c Checkpoint) Merge(next Checkpoint) Checkpoint {
	out := c
	if out.Key == "" {
		out.Key = next.Key
	}
	out.LastPageTried = max(c.LastPageTried, next.LastPageTried)
	out.LastPage = max(c.LastPage, next.LastPage)
	if next.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = next.UpdatedAt
	}
	return out
}

// Credential is the authentication material attached to enrichment calls. It
// is replaced wholesale on refresh.
type Credential struct {
	Cookie             string    `json:"cookie"`
	AuthorizationToken string    `json:"authorization"`
	RefreshedAt        time.Time `json:"refreshedAt"`
}

// Complete reports whether both the cookie and the token are present.
func (c Credential) Complete() bool {
	return strings.TrimSpace(c.Cookie) != "" && strings.TrimSpace(c.AuthorizationToken) != ""
}

// FieldSelector describes how one listing field is read from a page.
type FieldSelector struct {
	Name     string `mapstructure:"name"`
	Selector string `mapstructure:"selector"`
	// Attribute selects an element attribute; empty means trimmed text.
	Attribute string `mapstructure:"attribute"`
	// All collects every match instead of the first one.
	All bool `mapstructure:"all"`
	// Join concatenates all matches with the separator when All is set.
	Join string `mapstructure:"join"`
	// SplitOn splits the value and stores the parts under SplitInto names.
	SplitOn   string   `mapstructure:"split_on"`
	SplitInto []string `mapstructure:"split_into"`
}
