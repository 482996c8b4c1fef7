package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// publicPaths are endpoints that take no signature. The listen-key
// endpoints authenticate with the API key header alone.
var publicPaths = map[string]struct{}{
	"/fapi/v1/exchangeInfo":      {},
	"/fapi/v1/ticker/bookTicker": {},
	"/fapi/v1/premiumIndex":      {},
	"/fapi/v1/listenKey":         {},
}

// signer produces the HMAC-SHA256 request signatures Binance requires
// on every authenticated endpoint: the query string (plus body params)
// is signed with the API secret and appended as signature=<hex>.
type signer struct {
	apiKey     string
	secret     []byte
	recvWindow time.Duration
}

func newSigner(apiKey, apiSecret string, recvWindow time.Duration) *signer {
	return &signer{apiKey: apiKey, secret: []byte(apiSecret), recvWindow: recvWindow}
}

// sign stamps the params with timestamp and recvWindow, then appends
// the HMAC signature. Returns the encoded query string to send.
func (s *signer) sign(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	if s.recvWindow > 0 {
		params.Set("recvWindow", strconv.FormatInt(s.recvWindow.Milliseconds(), 10))
	}

	payload := params.Encode()
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return fmt.Sprintf("%s&signature=%s", payload, hex.EncodeToString(mac.Sum(nil)))
}

// signRequest re-signs a request's URL in place. Registered as a
// request middleware, it runs once per retry attempt, so a retry after
// timestamp skew carries a fresh timestamp instead of replaying the
// stale one. A prior attempt's timestamp, recvWindow, and signature are
// stripped before re-signing.
func (s *signer) signRequest(r *resty.Request) error {
	u, err := url.Parse(r.URL)
	if err != nil {
		return err
	}
	if _, public := publicPaths[u.Path]; public {
		return nil
	}
	params, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return err
	}
	params.Del("timestamp")
	params.Del("recvWindow")
	params.Del("signature")
	u.RawQuery = s.sign(params)
	r.URL = u.String()
	return nil
}
