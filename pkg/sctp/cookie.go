package sctp

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"time"

	"github.com/arzzra/rtcstack/pkg/rtcerr"
)

// cookieLifetime bounds how long a server-generated STATE-COOKIE remains
// valid before COOKIE-ECHO verification rejects it as stale.
const cookieLifetime = 60 * time.Second

// generateStateCookie builds the STATE-COOKIE TLV value: a 4-byte
// timestamp followed by HMAC-SHA1(hmacKey, timestamp).
func generateStateCookie(hmacKey []byte, now time.Time) []byte {
	ts := make([]byte, 4)
	binary.BigEndian.PutUint32(ts, uint32(now.Unix()))
	mac := hmac.New(sha1.New, hmacKey)
	mac.Write(ts)
	sum := mac.Sum(nil)
	return append(ts, sum...)
}

// verifyStateCookie checks the MAC and lifetime of a cookie echoed back via
// COOKIE-ECHO, returning a StaleCookie error with the observed staleness in
// milliseconds when the cookie's age exceeds cookieLifetime.
func verifyStateCookie(hmacKey []byte, cookie []byte, now time.Time) error {
	if len(cookie) != 4+sha1.Size {
		return rtcerr.New(rtcerr.ProtocolViolation, "state cookie has unexpected length")
	}
	ts := cookie[:4]
	gotMAC := cookie[4:]
	mac := hmac.New(sha1.New, hmacKey)
	mac.Write(ts)
	wantMAC := mac.Sum(nil)
	if !hmac.Equal(gotMAC, wantMAC) {
		return rtcerr.New(rtcerr.IntegrityFailure, "state cookie mac mismatch")
	}
	issued := time.Unix(int64(binary.BigEndian.Uint32(ts)), 0)
	age := now.Sub(issued)
	if age > cookieLifetime {
		return &staleCookieError{stalenessMs: uint32(age.Milliseconds())}
	}
	return nil
}

// staleCookieError carries the observed staleness so the caller can build
// an ERROR(STALE_COOKIE) chunk.
type staleCookieError struct {
	stalenessMs uint32
}

func (e *staleCookieError) Error() string { return "sctp: state cookie is stale" }
