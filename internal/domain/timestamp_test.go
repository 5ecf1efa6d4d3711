package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestamp_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{`"2025-07-01"`, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)},
		{`"2025-07-01T15:30:00Z"`, time.Date(2025, 7, 1, 15, 30, 0, 0, time.UTC)},
		{`"2025-07-01T15:30:00.25+02:00"`, time.Date(2025, 7, 1, 13, 30, 0, 250_000_000, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var ts Timestamp
			require.NoError(t, json.Unmarshal([]byte(tt.in), &ts))
			assert.Equal(t, tt.want, ts.Time)
		})
	}
}

func TestTimestamp_UnmarshalJSONErrors(t *testing.T) {
	for _, in := range []string{`"07/01/2025"`, `"2025-13-01"`, `"tomorrow"`, `20250701`} {
		t.Run(in, func(t *testing.T) {
			var ts Timestamp
			assert.Error(t, json.Unmarshal([]byte(in), &ts))
		})
	}
}

func TestTimestamp_MarshalsAsRFC3339(t *testing.T) {
	data, err := json.Marshal(Terms{ClosingDate: TimestampOf(time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"closing_date":"2025-07-01T00:00:00Z"`)
}

func TestOfferInput_AcceptsDateOnlyFields(t *testing.T) {
	body := `{
		"amount": 400000,
		"expires_at": "2025-03-20",
		"response_by": "2025-03-16T17:00:00Z",
		"documents": [{"name": "pof.pdf", "url": "https://files.example/pof.pdf", "type": "proof-of-funds"}],
		"terms": {
			"closing_date": "2025-07-01",
			"contingencies": [{"type": "inspection", "deadline": "2025-04-01"}]
		}
	}`
	var in OfferInput
	require.NoError(t, json.Unmarshal([]byte(body), &in))

	require.NotNil(t, in.Terms.ClosingDate)
	assert.Equal(t, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), in.Terms.ClosingDate.Time)
	require.NotNil(t, in.Terms.Contingencies[0].Deadline)
	assert.Equal(t, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), in.Terms.Contingencies[0].Deadline.Time)
	require.NotNil(t, in.ExpiresAt)
	assert.Equal(t, DocumentProofOfFunds, in.Documents[0].Type)

	n := newTestNegotiation(t)
	o, err := n.SubmitOffer("buyer-1", in, t0)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC), o.ExpiresAt)
}

func TestOfferInput_RejectsMalformedDates(t *testing.T) {
	var in OfferInput
	err := json.Unmarshal([]byte(`{"amount":1,"terms":{"closing_date":"July 1st"}}`), &in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "YYYY-MM-DD")
}
