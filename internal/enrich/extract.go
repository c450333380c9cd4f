package enrich

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/sells-group/leadfoundry/internal/scrape"
)

// maxPerField caps how many addresses or numbers are joined into one cell.
const maxPerField = 3

var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?\(?\d[\d \t().-]{6,}\d`)
)

var assetExt = []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".css", ".js"}

// Contacts holds the contact values found on one page, in page order.
type Contacts struct {
	Emails []string
	Phones []string
}

// ExtractContacts pulls email addresses and phone numbers from a page.
// mailto: and tel: links are taken first, then the rendered text is scanned.
func ExtractContacts(page *scrape.Page) Contacts {
	var c Contacts
	seenMail := map[string]bool{}
	seenPhone := map[string]bool{}

	addMail := func(v string) {
		v = strings.Trim(strings.TrimSpace(v), ".,;:")
		key := strings.ToLower(v)
		if !validEmail(v) || seenMail[key] || len(c.Emails) >= maxPerField {
			return
		}
		seenMail[key] = true
		c.Emails = append(c.Emails, v)
	}
	addPhone := func(v string) {
		v = strings.TrimSpace(v)
		key := digits(v)
		if n := len(key); n < 7 || n > 15 || seenPhone[key] || len(c.Phones) >= maxPerField {
			return
		}
		seenPhone[key] = true
		c.Phones = append(c.Phones, v)
	}

	if page.HTML != "" {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML)); err == nil {
			doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
				href, _ := s.Attr("href")
				lower := strings.ToLower(href)
				switch {
				case strings.HasPrefix(lower, "mailto:"):
					addr := href[len("mailto:"):]
					if i := strings.IndexByte(addr, '?'); i >= 0 {
						addr = addr[:i]
					}
					if dec, err := url.PathUnescape(addr); err == nil {
						addr = dec
					}
					for _, a := range strings.Split(addr, ",") {
						addMail(a)
					}
				case strings.HasPrefix(lower, "tel:"):
					num := href[len("tel:"):]
					if dec, err := url.PathUnescape(num); err == nil {
						num = dec
					}
					addPhone(num)
				}
			})
		}
	}

	for _, m := range emailRe.FindAllString(page.Text, -1) {
		addMail(m)
	}
	for _, m := range phoneRe.FindAllString(page.Text, -1) {
		if looksLikePhone(m) {
			addPhone(m)
		}
	}
	return c
}

func validEmail(v string) bool {
	if !emailRe.MatchString(v) || emailRe.FindString(v) != v {
		return false
	}
	lower := strings.ToLower(v)
	for _, ext := range assetExt {
		if strings.HasSuffix(lower, ext) {
			return false
		}
	}
	return true
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var dateLike = regexp.MustCompile(`^\d{4}[-./]\d{1,2}[-./]\d{1,2}$|^\d{1,2}[-./]\d{1,2}[-./]\d{2,4}$|^\d{4}\s*-\s*\d{4}$`)

// looksLikePhone rejects dates, years and bare long numbers picked up by the
// loose phone pattern.
func looksLikePhone(s string) bool {
	s = strings.TrimSpace(s)
	if dateLike.MatchString(s) {
		return false
	}
	d := digits(s)
	if len(d) < 7 || len(d) > 15 {
		return false
	}
	// A run of digits with no separators is more likely an id than a number
	// someone would print for callers.
	if d == s && !strings.HasPrefix(s, "+") {
		return false
	}
	return true
}
