package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

func computeHMAC(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyHMAC(body []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	expected := computeHMAC(body, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// verifyTimestampedHMAC checks a "t=<unix>,v1=<hex>" signature computed over
// "<unix>.<body>", rejecting timestamps outside the tolerance window.
func verifyTimestampedHMAC(body []byte, header, secret string, tolerance time.Duration, now time.Time) bool {
	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sig = v
		}
	}
	if ts == "" || sig == "" {
		return false
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	sent := time.Unix(unix, 0)
	if sent.Before(now.Add(-tolerance)) || sent.After(now.Add(tolerance)) {
		return false
	}

	signed := fmt.Sprintf("%s.%s", ts, body)
	expected := computeHMAC([]byte(signed), secret)
	return hmac.Equal([]byte(expected), []byte(sig))
}

func signTimestampedHMAC(body []byte, secret string, now time.Time) string {
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := computeHMAC([]byte(ts+"."+string(body)), secret)
	return "t=" + ts + ",v1=" + sig
}

// SignHMAC produces the plain hex signature the bank gateway sends in
// X-Webhook-Signature. Exposed for the mock gateway and tests.
func SignHMAC(body []byte, secret string) string {
	return computeHMAC(body, secret)
}

// SignTimestampedHMAC produces the "t=<unix>,v1=<hex>" signature the card
// gateway sends in X-Signature. Exposed for the mock gateway and tests.
func SignTimestampedHMAC(body []byte, secret string, now time.Time) string {
	return signTimestampedHMAC(body, secret, now)
}
