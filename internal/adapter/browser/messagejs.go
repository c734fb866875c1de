package browser

import "fmt"

// scrapedMessage is the shape produced by messageListJS for each visible
// chat bubble. outgoing distinguishes bubbles rendered as sent-by-self so
// the adapter doesn't re-emit its own sends as inbound messages.
type scrapedMessage struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	Timestamp int64  `json:"timestampMs"`
	Outgoing  bool   `json:"outgoing"`
}

// messageListJS returns a JS snippet that walks every element matching
// itemSelector inside containerSelector and extracts a scrapedMessage per
// bubble, looking up stable identifiers from data attributes the chat
// client renders on each message node. Mirrors the teacher's
// contentExtractionJS's "walk the DOM, emit a flat JSON array" idiom,
// retargeted from generic page text to chat bubbles.
func messageListJS(containerSelector, itemSelector string) string {
	return fmt.Sprintf(`(function() {
  var container = document.querySelector(%q);
  if (!container) return JSON.stringify([]);
  var items = container.querySelectorAll(%q);
  var out = [];
  items.forEach(function(el) {
    var id = el.getAttribute('data-id') || el.id || '';
    var text = (el.querySelector('[data-testid=\"msg-text\"]') || el).innerText || '';
    var sender = el.getAttribute('data-sender') || '';
    var ts = parseInt(el.getAttribute('data-timestamp') || '0', 10);
    var outgoing = el.classList.contains('message-out') || el.getAttribute('data-outgoing') === 'true';
    out.push({id: id, text: text, sender: sender, timestampMs: ts, outgoing: outgoing});
  });
  return JSON.stringify(out);
})()`, containerSelector, itemSelector)
}

// qrImageSrcJS reads the `src` attribute of the QR image element, used to
// surface the pairing code to listeners without a screenshot round trip.
func qrImageSrcJS(qrSelector string) string {
	return fmt.Sprintf(`(function() {
  var el = document.querySelector(%q);
  return el ? (el.getAttribute('src') || '') : '';
})()`, qrSelector)
}
