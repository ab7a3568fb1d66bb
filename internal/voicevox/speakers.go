package voicevox

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Style is one voice variant of a speaker.
type Style struct {
	Name string `json:"name"`
	ID   int    `json:"id"`
	Type string `json:"type,omitempty"`
}

// Speaker is an entry of the engine's /speakers listing.
type Speaker struct {
	Name        string  `json:"name"`
	SpeakerUUID string  `json:"speaker_uuid"`
	Styles      []Style `json:"styles"`
	Version     string  `json:"version"`
}

// StyleInfo pairs a style with the speaker that owns it.
type StyleInfo struct {
	Speaker string `json:"speaker"`
	Credit  string `json:"credit"`
	Style   string `json:"style"`
	ID      int    `json:"id"`
	Type    string `json:"type,omitempty"`
}

// some voice libraries require a credit line that differs from the speaker name
var creditOverrides = map[string]string{
	"もち子さん": "もち子(cv 明日葉よもぎ)",
}

// CreditName is the name to show in "VOICEVOX:<name>" attributions.
func CreditName(speaker string) string {
	if credit, ok := creditOverrides[speaker]; ok {
		return credit
	}
	return speaker
}

// Catalog caches the speaker listing for ttl.
type Catalog struct {
	client *Client
	ttl    time.Duration
	clock  func() time.Time

	mu       sync.Mutex
	speakers []Speaker
	fetched  time.Time
}

// NewCatalog wraps client with a listing cache.
func NewCatalog(client *Client, ttl time.Duration) *Catalog {
	return &Catalog{client: client, ttl: ttl, clock: time.Now}
}

// Speakers returns the cached listing, refreshing it when stale.
func (c *Catalog) Speakers(ctx context.Context) ([]Speaker, error) {
	c.mu.Lock()
	if c.speakers != nil && c.clock().Sub(c.fetched) < c.ttl {
		speakers := c.speakers
		c.mu.Unlock()
		return speakers, nil
	}
	c.mu.Unlock()

	speakers, err := c.client.Speakers(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.speakers = speakers
	c.fetched = c.clock()
	c.mu.Unlock()
	return speakers, nil
}

// Styles flattens the listing.
func (c *Catalog) Styles(ctx context.Context) ([]StyleInfo, error) {
	speakers, err := c.Speakers(ctx)
	if err != nil {
		return nil, err
	}
	var out []StyleInfo
	for _, sp := range speakers {
		for _, st := range sp.Styles {
			out = append(out, StyleInfo{Speaker: sp.Name, Credit: CreditName(sp.Name), Style: st.Name, ID: st.ID, Type: st.Type})
		}
	}
	return out, nil
}

// Lookup finds the style with the given ID.
func (c *Catalog) Lookup(ctx context.Context, styleID string) (StyleInfo, bool, error) {
	id, err := strconv.Atoi(styleID)
	if err != nil {
		return StyleInfo{}, false, nil
	}
	styles, err := c.Styles(ctx)
	if err != nil {
		return StyleInfo{}, false, err
	}
	for _, st := range styles {
		if st.ID == id {
			return st, true, nil
		}
	}
	return StyleInfo{}, false, nil
}
