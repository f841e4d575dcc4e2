package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v76"
)

const testSecret = "whsec_test_secret"

// signPayload builds a Stripe-Signature header for payload.
func signPayload(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

var testPayload = []byte(`{"id":"evt_1","object":"event","type":"checkout.session.completed","api_version":"2020-08-27","data":{"object":{"id":"cs_1","object":"checkout.session","client_reference_id":"` + testRef + `"}}}`)

func TestVerify_ValidSignature(t *testing.T) {
	v := NewVerifier(testSecret)

	ev, err := v.Verify(testPayload, signPayload(testPayload, testSecret, time.Now()))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ev.ID != "evt_1" || ev.Type != stripe.EventTypeCheckoutSessionCompleted {
		t.Errorf("event: got id=%q type=%q", ev.ID, ev.Type)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	v := NewVerifier(testSecret)
	if _, err := v.Verify(testPayload, signPayload(testPayload, "whsec_other", time.Now())); err == nil {
		t.Fatal("expected error for wrong secret")
	}
}

func TestVerify_StaleTimestamp(t *testing.T) {
	v := NewVerifier(testSecret)
	if _, err := v.Verify(testPayload, signPayload(testPayload, testSecret, time.Now().Add(-time.Hour))); err == nil {
		t.Fatal("expected error for timestamp outside tolerance")
	}
}

func TestVerify_TamperedPayload(t *testing.T) {
	v := NewVerifier(testSecret)
	header := signPayload(testPayload, testSecret, time.Now())
	tampered := append([]byte{}, testPayload...)
	tampered[len(tampered)-3] = 'X'
	if _, err := v.Verify(tampered, header); err == nil {
		t.Fatal("expected error for tampered payload")
	}
}
