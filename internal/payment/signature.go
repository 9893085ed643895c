package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/lucasnoah/leadflow/internal/apperr"
)

// SignatureHeader carries the webhook signature.
const SignatureHeader = "X-Payment-Signature"

// DefaultTolerance bounds how old a signed timestamp may be.
const DefaultTolerance = 5 * time.Minute

func computeSignature(secret string, t int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(t, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign returns the header value t=<unix>,v1=<hex> for payload at time at.
func Sign(secret string, payload []byte, at time.Time) string {
	t := at.Unix()
	return "t=" + strconv.FormatInt(t, 10) + ",v1=" + computeSignature(secret, t, payload)
}

// Verify checks header against payload. Any v1 entry may match; the
// timestamp must be within tolerance of now.
func Verify(secret string, payload []byte, header string, tolerance time.Duration, now time.Time) error {
	const op = "verify webhook signature"
	if secret == "" {
		return apperr.E(apperr.KindUnauthorized, op, "no webhook secret configured")
	}
	var ts int64
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return apperr.E(apperr.KindUnauthorized, op, "bad timestamp %q", v)
			}
			ts = n
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return apperr.E(apperr.KindUnauthorized, op, "malformed signature header")
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > tolerance || age < -tolerance {
		return apperr.E(apperr.KindUnauthorized, op, "timestamp outside tolerance")
	}
	want := []byte(computeSignature(secret, ts, payload))
	for _, s := range sigs {
		if hmac.Equal([]byte(s), want) {
			return nil
		}
	}
	return apperr.E(apperr.KindUnauthorized, op, "signature mismatch")
}
