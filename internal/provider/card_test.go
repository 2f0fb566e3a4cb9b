package provider

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kejapay/kejapay/internal/domain"
)

func TestCardVerifyCallback(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	c := NewCard(CardConfig{
		BaseURL:       "http://gateway.test",
		WebhookSecret: "card-secret",
	})
	c.now = func() time.Time { return now }

	body := []byte(`{"charge_id":"ch_1","status":"succeeded","amount":5000}`)

	good := http.Header{}
	good.Set("X-Signature", SignTimestampedHMAC(body, "card-secret", now))
	assert.NoError(t, c.VerifyCallback(good, body))

	stale := http.Header{}
	stale.Set("X-Signature", SignTimestampedHMAC(body, "card-secret", now.Add(-10*time.Minute)))
	assert.Error(t, c.VerifyCallback(stale, body))

	forged := http.Header{}
	forged.Set("X-Signature", SignTimestampedHMAC(body, "not-the-secret", now))
	assert.Error(t, c.VerifyCallback(forged, body))
}

func TestCardParseCallback(t *testing.T) {
	c := NewCard(CardConfig{WebhookSecret: "card-secret"})

	cb, err := c.ParseCallback([]byte(`{"charge_id":"ch_1","status":"succeeded","amount":5000,"receipt":"rcpt_9"}`))
	require.NoError(t, err)
	assert.Equal(t, "ch_1", cb.ExternalRef)
	assert.Equal(t, OutcomeSuccess, cb.Outcome)
	assert.Equal(t, int64(5000), cb.Amount)
	assert.Equal(t, "rcpt_9", cb.Receipt)

	cb, err = c.ParseCallback([]byte(`{"charge_id":"ch_2","status":"declined","decline_reason":"do not honor"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, cb.Outcome)
	assert.Equal(t, "do not honor", cb.Reason)

	_, err = c.ParseCallback([]byte(`{"status":"succeeded"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidCallback)

	_, err = c.ParseCallback([]byte(`{"charge_id":"ch_3","status":"processing"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidCallback)
}

func TestBankParseCallback(t *testing.T) {
	b := NewBank(BankConfig{WebhookSecret: "bank-secret"})

	cb, err := b.ParseCallback([]byte(`{"transfer_id":"tr_1","status":"completed","amount":250000,"receipt":"BNK001"}`))
	require.NoError(t, err)
	assert.Equal(t, "tr_1", cb.ExternalRef)
	assert.Equal(t, OutcomeSuccess, cb.Outcome)
	assert.Equal(t, int64(250000), cb.Amount)

	cb, err = b.ParseCallback([]byte(`{"transfer_id":"tr_2","status":"returned","reason":"account closed"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, cb.Outcome)
	assert.Equal(t, "account closed", cb.Reason)

	_, err = b.ParseCallback([]byte(`{"status":"completed"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidCallback)
}
