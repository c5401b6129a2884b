package portal

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	dashboardPath = "/dashboard"
	devicePath    = "/device"
	ajaxChartPath = "/device/ajaxChart"
)

// Fetcher knows the two request shapes the portal requires and
// returns their raw bodies with no interpretation of content. It
// discovers the account's device key from the dashboard on first use
// and caches it for the process lifetime.
type Fetcher struct {
	session *Session
	logger  *slog.Logger

	mu             sync.Mutex
	receiptLineKey string
}

// NewFetcher creates a fetcher bound to an authenticated session.
func NewFetcher(session *Session, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{session: session, logger: logger}
}

// ReceiptLineKey returns the portal's key for the account's first
// registered device, scraping the dashboard on first call and serving
// the cached key afterwards.
func (f *Fetcher) ReceiptLineKey(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptLineKey != "" {
		return f.receiptLineKey, nil
	}

	page, _, err := f.session.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, f.session.BaseURL()+dashboardPath, nil)
	})
	if err != nil {
		return "", err
	}

	key, err := extractReceiptLineKey(page)
	if err != nil {
		return "", err
	}

	f.receiptLineKey = key
	f.logger.Info("device key discovered", "receipt_line_key", key)
	return key, nil
}

// FetchLiveMetrics calls the AJAX chart endpoint and returns the raw
// JSON body. The portal only answers when the request looks like the
// dashboard's own XHR, hence the header and Referer.
func (f *Fetcher) FetchLiveMetrics(ctx context.Context) ([]byte, error) {
	key, err := f.ReceiptLineKey(ctx)
	if err != nil {
		return nil, err
	}

	base := f.session.BaseURL()
	body, contentType, err := f.session.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+ajaxChartPath+"?receiptLineKey="+key, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Requested-With", "XMLHttpRequest")
		req.Header.Set("Referer", base+devicePath+"?receiptLineKey="+key)
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	// A non-JSON answer from the AJAX endpoint is the portal serving a
	// maintenance or error page, not our parsers breaking.
	if !isJSONContentType(contentType) {
		return nil, &TransportError{
			Op:  "POST " + ajaxChartPath,
			Err: fmt.Errorf("unexpected content type %q", contentType),
		}
	}

	f.logger.Debug("live metrics fetched", "bytes", len(body))
	return body, nil
}

// FetchConfigurationPage retrieves the device's HTML page, the only
// place the portal exposes configuration values. Returns the raw
// markup.
func (f *Fetcher) FetchConfigurationPage(ctx context.Context) ([]byte, error) {
	key, err := f.ReceiptLineKey(ctx)
	if err != nil {
		return nil, err
	}

	base := f.session.BaseURL()
	body, contentType, err := f.session.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, base+devicePath+"?receiptLineKey="+key, nil)
	})
	if err != nil {
		return nil, err
	}
	if !isHTMLContentType(contentType) {
		return nil, &TransportError{
			Op:  "GET " + devicePath,
			Err: fmt.Errorf("unexpected content type %q", contentType),
		}
	}

	f.logger.Debug("configuration page fetched", "bytes", len(body))
	return body, nil
}

// isJSONContentType accepts the JSON media types the portal has been
// seen serving ("application/json", with or without charset).
func isJSONContentType(ct string) bool {
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json") ||
		mediaType == "text/json"
}

// isHTMLContentType accepts HTML media types, plus an absent header
// since the portal omits it on some cached page responses.
func isHTMLContentType(ct string) bool {
	if ct == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// extractReceiptLineKey finds the first dashboard anchor whose href
// carries a receiptLineKey parameter and returns the key value.
func extractReceiptLineKey(page []byte) (string, error) {
	doc, err := html.Parse(strings.NewReader(string(page)))
	if err != nil {
		return "", &ParseError{Field: "receipt_line_key", Msg: "dashboard markup unparseable: " + err.Error()}
	}

	var key string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if key != "" {
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				if _, rest, found := strings.Cut(attr.Val, "receiptLineKey="); found {
					k, _, _ := strings.Cut(rest, "&")
					if k != "" {
						key = k
						return
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if key == "" {
		return "", &ParseError{Field: "receipt_line_key", Msg: "no device link found on dashboard"}
	}
	return key, nil
}
