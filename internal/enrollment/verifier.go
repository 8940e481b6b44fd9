package enrollment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Request carries the device-identifying fields of an enrollment attempt.
type Request struct {
	Model        string `json:"model"`
	Manufacturer string `json:"manufacturer"`
	OSVersion    string `json:"os_version"`
	SerialNumber string `json:"serial_number,omitempty"`
	IMEI         string `json:"imei,omitempty"`
	MACAddress   string `json:"mac_address,omitempty"`
	AndroidID    string `json:"android_id,omitempty"`
	Method       string `json:"method"`
	Timestamp    string `json:"timestamp"`
	Signature    string `json:"signature"`
}

// Validate checks that the request carries the required identity fields.
func (r Request) Validate() error {
	if r.Model == "" {
		return errors.New("enrollment: model required")
	}
	if r.Manufacturer == "" {
		return errors.New("enrollment: manufacturer required")
	}
	if r.OSVersion == "" {
		return errors.New("enrollment: os version required")
	}
	if r.SerialNumber == "" && r.IMEI == "" && r.MACAddress == "" && r.AndroidID == "" {
		return errors.New("enrollment: at least one hardware identifier required")
	}
	if r.Method == "" {
		return errors.New("enrollment: method required")
	}
	if r.Timestamp == "" {
		return errors.New("enrollment: timestamp required")
	}
	if _, err := time.Parse(time.RFC3339, r.Timestamp); err != nil {
		return errors.New("enrollment: invalid timestamp")
	}
	if r.Signature == "" {
		return errors.New("enrollment: signature required")
	}
	return nil
}

// ComputeSignature builds the expected enrollment signature for a request.
// The signed tuple is pipe-joined in a fixed field order; optional identifiers
// contribute empty strings so the layout never shifts.
func ComputeSignature(req Request, secret []byte) string {
	fields := []string{
		req.Model,
		req.Manufacturer,
		req.OSVersion,
		req.SerialNumber,
		req.IMEI,
		req.MACAddress,
		req.AndroidID,
		req.Method,
		req.Timestamp,
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyEnrollment checks the request signature against the shared secret.
// Verification fails closed: missing fields, malformed timestamps and secret
// mismatches all reject.
func VerifyEnrollment(req Request, secret []byte) bool {
	if len(secret) == 0 {
		return false
	}
	if err := req.Validate(); err != nil {
		return false
	}
	expected := ComputeSignature(req, secret)
	return hmac.Equal([]byte(strings.ToLower(req.Signature)), []byte(expected))
}
