package provider

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kejapay/kejapay/internal/domain"
)

func newTestMpesa() *Mpesa {
	return NewMpesa(MpesaConfig{
		BaseURL:       "http://gateway.test",
		Shortcode:     "174379",
		CallbackURL:   "http://app.test/webhooks/mpesa",
		CallbackToken: "callback-token",
	})
}

func TestMpesaParseCallback_Success(t *testing.T) {
	m := newTestMpesa()

	body := []byte(`{
		"Body": {
			"stkCallback": {
				"CheckoutRequestID": "ws_CO_123",
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": 500.00},
						{"Name": "MpesaReceiptNumber", "Value": "SBD13XQJWA"},
						{"Name": "PhoneNumber", "Value": 254700000001}
					]
				}
			}
		}
	}`)

	cb, err := m.ParseCallback(body)
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_123", cb.ExternalRef)
	assert.Equal(t, OutcomeSuccess, cb.Outcome)
	assert.Equal(t, int64(50000), cb.Amount)
	assert.Equal(t, "SBD13XQJWA", cb.Receipt)
}

func TestMpesaParseCallback_Failed(t *testing.T) {
	m := newTestMpesa()

	body := []byte(`{
		"Body": {
			"stkCallback": {
				"CheckoutRequestID": "ws_CO_456",
				"ResultCode": 1032,
				"ResultDesc": "Request cancelled by user"
			}
		}
	}`)

	cb, err := m.ParseCallback(body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, cb.Outcome)
	assert.Equal(t, "Request cancelled by user", cb.Reason)
	assert.Zero(t, cb.Amount)
}

func TestMpesaParseCallback_Invalid(t *testing.T) {
	m := newTestMpesa()

	tests := []struct {
		name string
		body string
	}{
		{"not json", `not json at all`},
		{"missing checkout id", `{"Body":{"stkCallback":{"ResultCode":0}}}`},
		{"success without amount", `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_1","ResultCode":0}}}`},
		{"fractional minor units", `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_1","ResultCode":0,"CallbackMetadata":{"Item":[{"Name":"Amount","Value":500.001}]}}}}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.ParseCallback([]byte(tc.body))
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidCallback)
		})
	}
}

func TestMpesaVerifyCallback(t *testing.T) {
	m := newTestMpesa()

	good := http.Header{}
	good.Set("X-Callback-Token", "callback-token")
	assert.NoError(t, m.VerifyCallback(good, nil))

	bad := http.Header{}
	bad.Set("X-Callback-Token", "wrong-token")
	assert.Error(t, m.VerifyCallback(bad, nil))

	assert.Error(t, m.VerifyCallback(http.Header{}, nil))
}

func TestAmountConversion(t *testing.T) {
	assert.Equal(t, "50.00", minorToMajor(5000))
	assert.Equal(t, "0.01", minorToMajor(1))
	assert.Equal(t, "123456.78", minorToMajor(12345678))

	tests := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{"50.00", 5000, false},
		{"50", 5000, false},
		{"0.01", 1, false},
		{"50.001", 0, true},
		{"abc", 0, true},
	}
	for _, tc := range tests {
		got, err := majorToMinor(tc.raw)
		if tc.wantErr {
			assert.Error(t, err, tc.raw)
			continue
		}
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}
