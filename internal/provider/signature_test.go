package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVerifyHMAC(t *testing.T) {
	body := []byte(`{"transfer_id":"abc","status":"completed"}`)
	secret := "test-secret"

	sig := SignHMAC(body, secret)

	assert.True(t, verifyHMAC(body, sig, secret))
	assert.False(t, verifyHMAC(body, sig, "other-secret"))
	assert.False(t, verifyHMAC([]byte(`tampered`), sig, secret))
	assert.False(t, verifyHMAC(body, "", secret))
	assert.False(t, verifyHMAC(body, "deadbeef", secret))
}

func TestVerifyTimestampedHMAC(t *testing.T) {
	body := []byte(`{"charge_id":"ch_1","status":"succeeded"}`)
	secret := "card-secret"
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tolerance := 5 * time.Minute

	t.Run("valid signature within tolerance", func(t *testing.T) {
		header := SignTimestampedHMAC(body, secret, now)
		assert.True(t, verifyTimestampedHMAC(body, header, secret, tolerance, now))
		assert.True(t, verifyTimestampedHMAC(body, header, secret, tolerance, now.Add(4*time.Minute)))
	})

	t.Run("expired timestamp", func(t *testing.T) {
		header := SignTimestampedHMAC(body, secret, now)
		assert.False(t, verifyTimestampedHMAC(body, header, secret, tolerance, now.Add(6*time.Minute)))
	})

	t.Run("future timestamp", func(t *testing.T) {
		header := SignTimestampedHMAC(body, secret, now.Add(10*time.Minute))
		assert.False(t, verifyTimestampedHMAC(body, header, secret, tolerance, now))
	})

	t.Run("wrong secret", func(t *testing.T) {
		header := SignTimestampedHMAC(body, "wrong", now)
		assert.False(t, verifyTimestampedHMAC(body, header, secret, tolerance, now))
	})

	t.Run("tampered body", func(t *testing.T) {
		header := SignTimestampedHMAC(body, secret, now)
		assert.False(t, verifyTimestampedHMAC([]byte(`{}`), header, secret, tolerance, now))
	})

	t.Run("malformed headers", func(t *testing.T) {
		assert.False(t, verifyTimestampedHMAC(body, "", secret, tolerance, now))
		assert.False(t, verifyTimestampedHMAC(body, "t=123", secret, tolerance, now))
		assert.False(t, verifyTimestampedHMAC(body, "v1=abc", secret, tolerance, now))
		assert.False(t, verifyTimestampedHMAC(body, "t=notanumber,v1=abc", secret, tolerance, now))
	})
}
