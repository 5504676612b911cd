package download

import (
	"fmt"
	"regexp"
	"strconv"
)

// Link identifies the first message of a batch: a channel username plus the
// numeric id of the starting post.
type Link struct {
	Channel   string
	MessageID int
}

func (l Link) String() string {
	return fmt.Sprintf("%s/%d", l.Channel, l.MessageID)
}

// linkPatternFmt matches <host>/<channel>/<numericId>, tolerating an URL
// scheme prefix and trailing query params the way t.me share links carry them.
const linkPatternFmt = `(?:^|/)%s/([A-Za-z0-9_]+)/(\d+)(?:\?|$)`

// LinkParser validates post links against a configured host.
type LinkParser struct {
	re *regexp.Regexp
}

// NewLinkParser builds a parser for post links on the given host (e.g. "t.me").
func NewLinkParser(host string) *LinkParser {
	if host == "" {
		host = "t.me"
	}
	return &LinkParser{
		re: regexp.MustCompile(fmt.Sprintf(linkPatternFmt, regexp.QuoteMeta(host))),
	}
}

// Parse extracts the channel username and message id from a post link.
// The second return value reports whether the link matched the expected shape.
func (p *LinkParser) Parse(raw string) (Link, bool) {
	m := p.re.FindStringSubmatch(raw)
	if m == nil {
		return Link{}, false
	}
	id, err := strconv.Atoi(m[2])
	if err != nil || id <= 0 {
		return Link{}, false
	}
	return Link{Channel: m[1], MessageID: id}, true
}
