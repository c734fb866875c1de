package browser

import (
	"time"

	"chatrt/internal/domain"
)

// mapScraped converts one scrapedMessage pulled off the DOM into a
// domain.Message for conv. Pure, no I/O — same shape as the mobile
// adapter's mapEnvelope, generalized from a structured wire envelope to a
// flat DOM-scrape record.
func mapScraped(s scrapedMessage, conv domain.Conversation, selfUser domain.User) domain.Message {
	sender := domain.User{
		ID:       s.Sender,
		Platform: domain.PlatformBrowser,
	}
	if s.Outgoing {
		sender = selfUser
	}

	ts := time.Now()
	if s.Timestamp > 0 {
		ts = time.UnixMilli(s.Timestamp)
	}

	return domain.Message{
		ID:           s.ID,
		Conversation: conv,
		Sender:       sender,
		Timestamp:    ts,
		Content:      domain.NewTextContent(s.Text),
	}
}
