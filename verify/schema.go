package verify

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/xeipuuv/gojsonschema"
)

// notificationSchema constrains JSON-encoded notifications to a flat object
// of scalar values carrying at least the order number and a signature.
// Trade number and status are deliberately optional at this layer: partial
// early pings are classified non-terminally downstream, not rejected here.
const notificationSchema = `{
	"type": "object",
	"required": ["out_trade_no", "sign"],
	"properties": {
		"out_trade_no": {"type": "string", "minLength": 1},
		"trade_no":     {"type": "string"},
		"trade_status": {"type": "string"},
		"sign":         {"type": "string", "minLength": 1},
		"sign_type":    {"type": "string"}
	},
	"additionalProperties": {
		"type": ["string", "number", "boolean"]
	}
}`

var schemaLoader = gojsonschema.NewStringLoader(notificationSchema)

// ValidateJSONPayload validates a JSON-encoded notification body against the
// notification schema and flattens it into the parameter map used for
// signing. Numbers and booleans are rendered the way the gateway signs them:
// as their literal string form.
func ValidateJSONPayload(raw []byte) (map[string]string, error) {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("notification payload is not valid JSON: %w", err)
	}
	if !result.Valid() {
		errs := result.Errors()
		if len(errs) > 0 {
			return nil, fmt.Errorf("notification payload rejected: %s", errs[0].String())
		}
		return nil, fmt.Errorf("notification payload rejected")
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("notification payload is not valid JSON: %w", err)
	}

	params := make(map[string]string, len(decoded))
	for k, v := range decoded {
		switch val := v.(type) {
		case string:
			params[k] = val
		case float64:
			params[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			params[k] = strconv.FormatBool(val)
		}
	}
	return params, nil
}
