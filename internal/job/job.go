package job

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Job is the unit of work moving through the pipeline. The typed fields are
// the schema every stage depends on; Extra round-trips operator-defined keys
// that downstream code never relies on.
type Job struct {
	ID           string                 // "job_id", assigned at admission, immutable
	From         string                 // sender address
	To           []string               // recipient addresses, never empty in a valid job
	Subject      string                 // message subject
	Body         string                 // message body
	Retries      int                    // failed delivery attempts so far
	SubmittedAt  float64                // Unix seconds, set once at admission
	ClientIP     string                 // set once at admission
	TemplateID   string                 // optional, consumed at admission
	TemplateData map[string]interface{} // optional, consumed at admission
	Error        string                 // set on bounce records
	SMTPCode     int                    // set on bounce records with a transport status

	// Extra holds unknown wire keys verbatim so they survive a round trip.
	Extra map[string]json.RawMessage
}

var knownKeys = map[string]bool{
	"job_id":        true,
	"from":          true,
	"to":            true,
	"subject":       true,
	"body":          true,
	"retries":       true,
	"submitted_at":  true,
	"client_ip":     true,
	"template_id":   true,
	"template_data": true,
	"error":         true,
	"smtp_code":     true,
}

// Validate checks the four content fields every queued job must carry.
// The returned error names the first missing field.
func (j *Job) Validate() error {
	switch {
	case j.From == "":
		return fmt.Errorf("job %s missing required field: from", j.ID)
	case len(j.To) == 0:
		return fmt.Errorf("job %s missing required field: to", j.ID)
	case j.Subject == "":
		return fmt.Errorf("job %s missing required field: subject", j.ID)
	case j.Body == "":
		return fmt.Errorf("job %s missing required field: body", j.ID)
	}
	return nil
}

// HasIdentity reports whether the job carries the identification fields
// required for it to be safely retryable.
func (j *Job) HasIdentity() bool {
	return j.ID != "" && j.From != "" && len(j.To) > 0
}

// Recipients returns a copy of the recipient list.
func (j *Job) Recipients() []string {
	out := make([]string, len(j.To))
	copy(out, j.To)
	return out
}

// SetRecipients replaces the recipient list.
func (j *Job) SetRecipients(to []string) {
	j.To = to
}

// Bounce returns a copy of the job carrying the delivery error, suitable for
// the bounced queue. A zero code means the failure carried no SMTP status.
func (j *Job) Bounce(errMsg string, code int) *Job {
	b := *j
	b.To = j.Recipients()
	b.Error = errMsg
	b.SMTPCode = code
	return &b
}

// MarshalJSON encodes the job as a flat mapping. A single recipient is
// written as a bare string, several as an array (wire convention consumers
// depend on).
func (j *Job) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(knownKeys)+len(j.Extra))

	for k, v := range j.Extra {
		m[k] = v
	}

	if j.ID != "" {
		m["job_id"] = j.ID
	}
	if j.From != "" {
		m["from"] = j.From
	}
	switch len(j.To) {
	case 0:
	case 1:
		m["to"] = j.To[0]
	default:
		m["to"] = j.To
	}
	if j.Subject != "" {
		m["subject"] = j.Subject
	}
	if j.Body != "" {
		m["body"] = j.Body
	}
	if j.Retries > 0 {
		m["retries"] = j.Retries
	}
	if j.SubmittedAt != 0 {
		m["submitted_at"] = j.SubmittedAt
	}
	if j.ClientIP != "" {
		m["client_ip"] = j.ClientIP
	}
	if j.TemplateID != "" {
		m["template_id"] = j.TemplateID
	}
	if len(j.TemplateData) > 0 {
		m["template_data"] = j.TemplateData
	}
	if j.Error != "" {
		m["error"] = j.Error
	}
	if j.SMTPCode != 0 {
		m["smtp_code"] = j.SMTPCode
	}

	return json.Marshal(m)
}

// UnmarshalJSON decodes the flat wire mapping, accepting "to" as either a
// bare string or an array and keeping unknown keys in Extra.
func (j *Job) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*j = Job{}

	if v, ok := raw["job_id"]; ok {
		if err := json.Unmarshal(v, &j.ID); err != nil {
			return fmt.Errorf("job_id: %w", err)
		}
	}
	if v, ok := raw["from"]; ok {
		if err := json.Unmarshal(v, &j.From); err != nil {
			return fmt.Errorf("from: %w", err)
		}
	}
	if v, ok := raw["to"]; ok {
		to, err := decodeRecipients(v)
		if err != nil {
			return err
		}
		j.To = to
	}
	if v, ok := raw["subject"]; ok {
		if err := json.Unmarshal(v, &j.Subject); err != nil {
			return fmt.Errorf("subject: %w", err)
		}
	}
	if v, ok := raw["body"]; ok {
		if err := json.Unmarshal(v, &j.Body); err != nil {
			return fmt.Errorf("body: %w", err)
		}
	}
	if v, ok := raw["retries"]; ok {
		if err := json.Unmarshal(v, &j.Retries); err != nil {
			return fmt.Errorf("retries: %w", err)
		}
	}
	if v, ok := raw["submitted_at"]; ok {
		if err := json.Unmarshal(v, &j.SubmittedAt); err != nil {
			return fmt.Errorf("submitted_at: %w", err)
		}
	}
	if v, ok := raw["client_ip"]; ok {
		if err := json.Unmarshal(v, &j.ClientIP); err != nil {
			return fmt.Errorf("client_ip: %w", err)
		}
	}
	if v, ok := raw["template_id"]; ok {
		if err := json.Unmarshal(v, &j.TemplateID); err != nil {
			return fmt.Errorf("template_id: %w", err)
		}
	}
	if v, ok := raw["template_data"]; ok {
		if err := json.Unmarshal(v, &j.TemplateData); err != nil {
			return fmt.Errorf("template_data: %w", err)
		}
	}
	if v, ok := raw["error"]; ok {
		if err := json.Unmarshal(v, &j.Error); err != nil {
			return fmt.Errorf("error: %w", err)
		}
	}
	if v, ok := raw["smtp_code"]; ok {
		// Tolerate a float-encoded code from loosely typed producers.
		var f float64
		if err := json.Unmarshal(v, &f); err != nil {
			return fmt.Errorf("smtp_code: %w", err)
		}
		j.SMTPCode = int(f)
	}

	for k, v := range raw {
		if knownKeys[k] {
			continue
		}
		if j.Extra == nil {
			j.Extra = make(map[string]json.RawMessage)
		}
		j.Extra[k] = v
	}

	return nil
}

func decodeRecipients(v json.RawMessage) ([]string, error) {
	trimmed := strings.TrimSpace(string(v))
	if strings.HasPrefix(trimmed, "[") {
		var list []string
		if err := json.Unmarshal(v, &list); err != nil {
			return nil, fmt.Errorf("to: %w", err)
		}
		return list, nil
	}

	var single string
	if err := json.Unmarshal(v, &single); err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	return []string{single}, nil
}

// Decode parses a wire payload into a Job.
func Decode(payload []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(payload, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Encode serializes a Job to its wire payload.
func Encode(j *Job) ([]byte, error) {
	return json.Marshal(j)
}
