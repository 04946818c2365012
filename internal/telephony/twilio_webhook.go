package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// TwilioStatusForm captures the subset of status-callback fields we care about.
// Twilio sends application/x-www-form-urlencoded by default.
// Ref: https://www.twilio.com/docs/voice/api/call-resource#statuscallback
type TwilioStatusForm struct {
	CallSid      string
	AccountSid   string
	CallStatus   string
	CallDuration string
	SipCode      string
}

func ParseTwilioStatusCallback(r *http.Request) (TwilioStatusForm, url.Values, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioStatusForm{}, nil, err
	}
	f := TwilioStatusForm{
		CallSid:      strings.TrimSpace(r.PostFormValue("CallSid")),
		AccountSid:   strings.TrimSpace(r.PostFormValue("AccountSid")),
		CallStatus:   strings.ToLower(strings.TrimSpace(r.PostFormValue("CallStatus"))),
		CallDuration: r.PostFormValue("CallDuration"),
		SipCode:      r.PostFormValue("SipResponseCode"),
	}
	return f, r.PostForm, nil
}

// ToCompletion maps a terminal Twilio status to a CallCompletion. The bool is
// false for progress statuses (queued, ringing, in-progress).
func (f TwilioStatusForm) ToCompletion() (CallCompletion, bool) {
	var outcome CallOutcome
	switch f.CallStatus {
	case "completed":
		outcome = CallOutcomeAnswered
	case "no-answer":
		outcome = CallOutcomeNoAnswer
	case "busy":
		outcome = CallOutcomeBusy
	case "failed", "canceled":
		outcome = CallOutcomeFailed
	default:
		return CallCompletion{}, false
	}
	c := CallCompletion{ProviderCallID: f.CallSid, Outcome: outcome}
	if outcome == CallOutcomeFailed {
		c.Reason = "twilio: " + f.CallStatus
		if f.SipCode != "" {
			c.Reason += " (sip " + f.SipCode + ")"
		}
	}
	return c, true
}

// ValidateTwilioSignature checks X-Twilio-Signature: base64(HMAC-SHA1(authToken,
// fullURL + sorted key/value pairs of the POST form)).
func ValidateTwilioSignature(authToken, fullURL string, params url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
