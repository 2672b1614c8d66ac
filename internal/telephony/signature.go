package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
)

// signatureHeader carries the carrier's request signature.
const signatureHeader = "X-Twilio-Signature"

// computeSignature implements the carrier's webhook signing scheme:
// base64(HMAC-SHA1(authToken, url + form params concatenated key+value in
// key order)).
func computeSignature(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(fullURL))
	for _, k := range keys {
		mac.Write([]byte(k))
		// Per the scheme only the first value of each key is signed.
		mac.Write([]byte(form.Get(k)))
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// validSignature checks the request's signature header against the signed
// form body. Comparison is constant-time. r.ParseForm must have been called.
func (a *Adapter) validSignature(r *http.Request) bool {
	got := r.Header.Get(signatureHeader)
	if got == "" {
		return false
	}
	fullURL := a.cfg.PublicBaseURL + r.URL.Path
	if r.URL.RawQuery != "" {
		fullURL += "?" + r.URL.RawQuery
	}
	want := computeSignature(a.cfg.AuthToken, fullURL, r.PostForm)
	return hmac.Equal([]byte(got), []byte(want))
}
