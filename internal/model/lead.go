package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Unknown is the placeholder for a field no source could fill.
const Unknown = "unknown"

// Known lead keys in export order.
var LeadKeys = []string{"company", "website", "mail", "phone_number", "location", "description"}

// Lead is one company record. Keys outside the known set survive a
// decode/encode cycle through Extra.
type Lead struct {
	Company     string
	Website     string
	Mail        string
	PhoneNumber string
	Location    string
	Description string
	SourceURLs  []string
	Extra       map[string]any
}

// LeadList is the on-disk shape of every lead artifact.
type LeadList struct {
	Leads []Lead `json:"leads"`
}

// Get returns a known string field by its JSON key.
func (l *Lead) Get(key string) (string, bool) {
	switch key {
	case "company":
		return l.Company, true
	case "website":
		return l.Website, true
	case "mail":
		return l.Mail, true
	case "phone_number":
		return l.PhoneNumber, true
	case "location":
		return l.Location, true
	case "description":
		return l.Description, true
	}
	return "", false
}

// Set assigns a known string field by its JSON key. Unknown keys go to Extra.
func (l *Lead) Set(key, v string) {
	switch key {
	case "company":
		l.Company = v
	case "website":
		l.Website = v
	case "mail":
		l.Mail = v
	case "phone_number":
		l.PhoneNumber = v
	case "location":
		l.Location = v
	case "description":
		l.Description = v
	default:
		if l.Extra == nil {
			l.Extra = make(map[string]any)
		}
		l.Extra[key] = v
	}
}

// IsMissing reports whether a value counts as absent for backfilling.
func IsMissing(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		s := strings.TrimSpace(t)
		return s == "" || strings.EqualFold(s, Unknown)
	}
	return false
}

// HasContact reports whether a contact value is usable.
func HasContact(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", Unknown, "none", "n/a":
		return false
	}
	return true
}

// Backfill copies fields from other into l wherever l's value is missing
// and other's is not. Present values are never overwritten.
func (l *Lead) Backfill(other Lead) {
	for _, k := range LeadKeys {
		mine, _ := l.Get(k)
		theirs, _ := other.Get(k)
		if IsMissing(mine) && !IsMissing(theirs) {
			l.Set(k, theirs)
		}
	}
	if len(l.SourceURLs) == 0 && len(other.SourceURLs) > 0 {
		l.SourceURLs = append([]string(nil), other.SourceURLs...)
	}
	for k, v := range other.Extra {
		if cur, ok := l.Extra[k]; (!ok || IsMissing(cur)) && !IsMissing(v) {
			if l.Extra == nil {
				l.Extra = make(map[string]any)
			}
			l.Extra[k] = v
		}
	}
}

// Clone returns a deep copy of the slice and map fields.
func (l Lead) Clone() Lead {
	out := l
	if l.SourceURLs != nil {
		out.SourceURLs = append([]string(nil), l.SourceURLs...)
	}
	if l.Extra != nil {
		out.Extra = make(map[string]any, len(l.Extra))
		for k, v := range l.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

var domainRe = regexp.MustCompile(`^[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)

// NormalizeURL prefixes a scheme, validates the host and trims a trailing
// slash. Anything unusable becomes Unknown.
func NormalizeURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" || strings.EqualFold(s, Unknown) {
		return Unknown
	}
	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return Unknown
	}
	host := u.Hostname()
	if host == "" || strings.Contains(host, " ") || !domainRe.MatchString(host) {
		return Unknown
	}
	return strings.TrimRight(u.String(), "/")
}

// Normalize cleans URLs and fills empty known fields with Unknown.
func (l *Lead) Normalize() {
	l.Website = NormalizeURL(l.Website)
	for _, k := range LeadKeys {
		if k == "website" {
			continue
		}
		v, _ := l.Get(k)
		v = strings.TrimSpace(v)
		if v == "" {
			v = Unknown
		}
		l.Set(k, v)
	}
	srcs := make([]string, 0, len(l.SourceURLs))
	for _, s := range l.SourceURLs {
		if u := NormalizeURL(s); u != Unknown {
			srcs = append(srcs, u)
		}
	}
	l.SourceURLs = srcs
}

// UnmarshalJSON accepts the loose shapes sources produce: non-string
// scalars, a single source URL string, and "name" in place of "company".
func (l *Lead) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*l = Lead{}
	for k, v := range raw {
		switch k {
		case "company", "website", "mail", "phone_number", "location", "description":
			l.Set(k, rawString(v))
		case "source_urls":
			l.SourceURLs = rawStrings(v)
		default:
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return err
			}
			if l.Extra == nil {
				l.Extra = make(map[string]any)
			}
			l.Extra[k] = val
		}
	}
	if l.Company == "" {
		if name, ok := l.Extra["name"].(string); ok {
			l.Company = name
		}
	}
	return nil
}

// MarshalJSON writes known keys first, then extras in key order.
func (l Lead) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	write := func(k string, v any) error {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
		return nil
	}
	for _, k := range LeadKeys {
		v, _ := l.Get(k)
		if err := write(k, v); err != nil {
			return nil, err
		}
	}
	srcs := l.SourceURLs
	if srcs == nil {
		srcs = []string{}
	}
	if err := write("source_urls", srcs); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(l.Extra))
	for k := range l.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := write(k, l.Extra[k]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func rawString(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var a any
	if err := json.Unmarshal(v, &a); err != nil || a == nil {
		return ""
	}
	return fmt.Sprint(a)
}

func rawStrings(v json.RawMessage) []string {
	var list []any
	if err := json.Unmarshal(v, &list); err != nil {
		if s := rawString(v); s != "" {
			return []string{s}
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// AgentOutcome records how one source agent fared on one query.
type AgentOutcome struct {
	Agent   string `json:"agent"`
	Status  string `json:"status"`
	Leads   int    `json:"leads"`
	Message string `json:"message,omitempty"`
}

// Agent outcome statuses.
const (
	AgentOK      = "ok"
	AgentTimeout = "timeout"
	AgentFailed  = "failed"
)

// ResearchPart is the per-query document merged at the end of research.
type ResearchPart struct {
	Query  string         `json:"query"`
	Leads  []Lead         `json:"leads"`
	Agents []AgentOutcome `json:"agents"`
}
