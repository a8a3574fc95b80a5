package telephony

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
)

const maxWebhookBody = 1 << 20

// ReadSignalFields merges every field a webhook request carries into one map:
// query string first, then a url-encoded form body, then a JSON object body.
// Later sources win. Signal sources use GET and POST interchangeably.
//
// Business logic is not applied here.
func ReadSignalFields(r *http.Request) (map[string]any, error) {
	out := map[string]any{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	if r.Body == nil || r.Method == http.MethodGet {
		return out, nil
	}

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case ct == "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		for k, v := range r.PostForm {
			if len(v) > 0 {
				out[k] = v[0]
			}
		}
	case ct == "application/json" || strings.HasSuffix(ct, "+json") || ct == "":
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			return nil, err
		}
		if len(strings.TrimSpace(string(body))) == 0 {
			return out, nil
		}
		var obj map[string]any
		if err := json.Unmarshal(body, &obj); err != nil {
			if ct == "" {
				return out, nil
			}
			return nil, errors.New("telephony: webhook body is not a JSON object")
		}
		for k, v := range obj {
			out[k] = v
		}
	}
	return out, nil
}
