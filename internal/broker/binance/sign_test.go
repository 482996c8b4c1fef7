package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
)

func TestSignAppendsValidSignature(t *testing.T) {
	t.Parallel()

	s := newSigner("key", "secret", 5*time.Second)
	params := url.Values{}
	params.Set("symbol", "BTCUSDT")
	params.Set("side", "BUY")

	signed := s.sign(params)

	payload, sig, ok := strings.Cut(signed, "&signature=")
	if !ok {
		t.Fatalf("no signature in %q", signed)
	}

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(payload))
	want := hex.EncodeToString(mac.Sum(nil))
	if sig != want {
		t.Errorf("signature = %s, want %s", sig, want)
	}

	vals, err := url.ParseQuery(payload)
	if err != nil {
		t.Fatalf("payload not a query string: %v", err)
	}
	if vals.Get("timestamp") == "" {
		t.Error("timestamp not stamped")
	}
	if vals.Get("recvWindow") != "5000" {
		t.Errorf("recvWindow = %s, want 5000", vals.Get("recvWindow"))
	}
}

func TestSignOmitsRecvWindowWhenZero(t *testing.T) {
	t.Parallel()

	s := newSigner("key", "secret", 0)
	signed := s.sign(url.Values{})
	if strings.Contains(signed, "recvWindow") {
		t.Error("recvWindow must be omitted when unset")
	}
}

func TestSignRequestRefreshesAuthParamsPerAttempt(t *testing.T) {
	t.Parallel()

	s := newSigner("key", "secret", 5*time.Second)
	r := resty.New().R()
	r.URL = "/fapi/v1/order?signature=stale&symbol=BTCUSDT&timestamp=1"

	if err := s.signRequest(r); err != nil {
		t.Fatal(err)
	}

	query, _ := strings.CutPrefix(r.URL, "/fapi/v1/order?")
	payload, sig, ok := strings.Cut(query, "&signature=")
	if !ok {
		t.Fatalf("no signature in %q", r.URL)
	}
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(payload))
	if want := hex.EncodeToString(mac.Sum(nil)); sig != want {
		t.Errorf("signature = %s, want %s", sig, want)
	}

	vals, err := url.ParseQuery(payload)
	if err != nil {
		t.Fatalf("payload not a query string: %v", err)
	}
	if ts := vals.Get("timestamp"); ts == "" || ts == "1" {
		t.Errorf("stale timestamp not replaced, got %q", ts)
	}

	// A retry sees the previous attempt's absolute URL and must end up
	// with exactly one fresh auth triple, never two.
	r.URL = "https://testnet.binancefuture.com" + r.URL
	if err := s.signRequest(r); err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(r.URL, "signature="); n != 1 {
		t.Errorf("signature appears %d times in %q", n, r.URL)
	}
	if n := strings.Count(r.URL, "timestamp="); n != 1 {
		t.Errorf("timestamp appears %d times in %q", n, r.URL)
	}
}

func TestSignRequestSkipsPublicEndpoints(t *testing.T) {
	t.Parallel()

	s := newSigner("key", "secret", 5*time.Second)
	for _, path := range []string{
		"/fapi/v1/exchangeInfo",
		"/fapi/v1/ticker/bookTicker",
		"/fapi/v1/premiumIndex",
		"/fapi/v1/listenKey",
	} {
		r := resty.New().R()
		r.URL = path
		if err := s.signRequest(r); err != nil {
			t.Fatal(err)
		}
		if r.URL != path {
			t.Errorf("public endpoint %s rewritten to %q", path, r.URL)
		}
	}
}
