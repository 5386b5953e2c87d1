package job

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSingleRecipient(t *testing.T) {
	payload := []byte(`{"job_id":"j1","from":"a@x.com","to":"b@y.com","subject":"hi","body":"hello"}`)

	j, err := Decode(payload)
	require.NoError(t, err)

	assert.Equal(t, "j1", j.ID)
	assert.Equal(t, "a@x.com", j.From)
	assert.Equal(t, []string{"b@y.com"}, j.To)
	assert.Equal(t, 0, j.Retries)
	assert.NoError(t, j.Validate())
}

func TestDecodeRecipientList(t *testing.T) {
	payload := []byte(`{"from":"a@x.com","to":["b@y.com","c@z.com"],"subject":"hi","body":"hello"}`)

	j, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, []string{"b@y.com", "c@z.com"}, j.To)
}

func TestEncodeCollapsesSingleRecipient(t *testing.T) {
	j := &Job{ID: "j1", From: "a@x.com", To: []string{"b@y.com"}, Subject: "hi", Body: "hello"}

	data, err := Encode(j)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "b@y.com", m["to"], "single recipient should encode as a bare string")
	_, hasRetries := m["retries"]
	assert.False(t, hasRetries, "zero retries should be omitted")
}

func TestEncodeMultipleRecipients(t *testing.T) {
	j := &Job{From: "a@x.com", To: []string{"b@y.com", "c@z.com"}, Subject: "hi", Body: "hello"}

	data, err := Encode(j)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	assert.IsType(t, []interface{}{}, m["to"])
}

func TestExtraFieldsRoundTrip(t *testing.T) {
	payload := []byte(`{"from":"a@x.com","to":"b@y.com","subject":"hi","body":"hello","campaign":"q3-launch","priority":7}`)

	j, err := Decode(payload)
	require.NoError(t, err)
	require.Contains(t, j.Extra, "campaign")
	require.Contains(t, j.Extra, "priority")

	data, err := Encode(j)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "q3-launch", m["campaign"])
	assert.Equal(t, float64(7), m["priority"])
}

func TestValidateMissingFields(t *testing.T) {
	cases := []struct {
		name string
		j    Job
	}{
		{"missing from", Job{To: []string{"b@y.com"}, Subject: "s", Body: "b"}},
		{"missing to", Job{From: "a@x.com", Subject: "s", Body: "b"}},
		{"missing subject", Job{From: "a@x.com", To: []string{"b@y.com"}, Body: "b"}},
		{"missing body", Job{From: "a@x.com", To: []string{"b@y.com"}, Subject: "s"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.j.Validate())
		})
	}
}

func TestBounceCopiesJob(t *testing.T) {
	j := &Job{ID: "j1", From: "a@x.com", To: []string{"b@y.com"}, Subject: "hi", Body: "hello"}

	b := j.Bounce("550 mailbox unavailable", 550)
	assert.Equal(t, 550, b.SMTPCode)
	assert.Equal(t, "550 mailbox unavailable", b.Error)
	assert.Empty(t, j.Error, "original job must not be mutated")

	b.To[0] = "mutated@y.com"
	assert.Equal(t, "b@y.com", j.To[0], "bounce must not alias the recipient slice")
}

func TestDecodeFloatSMTPCode(t *testing.T) {
	payload := []byte(`{"job_id":"j1","from":"a@x.com","to":"b@y.com","subject":"s","body":"b","smtp_code":550.0,"error":"bounced"}`)

	j, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, 550, j.SMTPCode)
}

func TestDecodeMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	assert.Error(t, err)
}
