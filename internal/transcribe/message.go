// Package transcribe binds per-peer audio to a transcription engine, either
// a resilient streaming client against the external realtime service or a
// deterministic simulated engine, and republishes results as room events.
package transcribe

import "encoding/json"

// Result is one transcription result extracted from a server message.
type Result struct {
	Text    string
	Partial bool
}

// resultPayload covers the field-name variants the realtime service has been
// seen to use for transcribed text and the partial flag.
type resultPayload struct {
	Text       string `json:"text"`
	Transcript string `json:"transcript"`
	Result     *struct {
		Text string `json:"text"`
	} `json:"result"`
	Partial   *bool `json:"partial"`
	IsPartial *bool `json:"is_partial"`
}

func (p *resultPayload) toResult() (Result, bool) {
	r := Result{Text: p.Text}
	if r.Text == "" {
		r.Text = p.Transcript
	}
	if r.Text == "" && p.Result != nil {
		r.Text = p.Result.Text
	}
	if p.Partial != nil {
		r.Partial = *p.Partial
	} else if p.IsPartial != nil {
		r.Partial = *p.IsPartial
	}
	return r, r.Text != ""
}

type serverMessage struct {
	Type     string          `json:"type"`
	Data     *resultPayload  `json:"data"`
	Response *responseBody   `json:"response"`
	resultPayload
}

type responseBody struct {
	Type  string `json:"type"`
	Items []struct {
		Text      string `json:"text"`
		Payload   *struct {
			Text string `json:"text"`
		} `json:"payload"`
		IsPartial bool `json:"is_partial"`
	} `json:"items"`
}

// parseResults extracts transcription results from a raw inbound message.
// Malformed or unrecognized messages yield nil: they are discarded, never an
// error, so an unexpected shape cannot crash the session.
func parseResults(data []byte) []Result {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil
	}
	switch msg.Type {
	case "transcript", "response.transcript", "transcript.partial":
		payload := msg.Data
		if payload == nil {
			payload = &msg.resultPayload
		}
		if r, ok := payload.toResult(); ok {
			return []Result{r}
		}
		return nil
	case "response.create":
		if msg.Response == nil || msg.Response.Type != "transcript" {
			return nil
		}
		var out []Result
		for _, it := range msg.Response.Items {
			text := it.Text
			if text == "" && it.Payload != nil {
				text = it.Payload.Text
			}
			if text == "" {
				continue
			}
			out = append(out, Result{Text: text, Partial: it.IsPartial})
		}
		return out
	default:
		return nil
	}
}
