// Package normalizer converts heterogeneous detector findings into the
// canonical supply.Anomaly record.
package normalizer

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/HerbHall/medwatch/pkg/supply"
)

// notAvailable stands in for the medicine identity when a finding has no
// source data point.
const notAvailable = "N/A"

// Normalize builds the canonical anomaly for a single finding. It applies
// field defaults and the details normalization policy and has no side
// effects; the caller supplies the detection time and assigns the ID.
func Normalize(detectionType string, f supply.RawFinding, now time.Time) supply.Anomaly {
	var medicineID, disease *string
	ref := notAvailable
	if dp := f.DataPoint; dp != nil {
		id := dp.MedicineID
		medicineID = &id
		ref = id
		if dp.Disease != "" {
			d := dp.Disease
			disease = &d
		}
	}

	a := supply.Anomaly{
		DetectionType:  detectionType,
		Type:           orDefault(f.Type, detectionType),
		Severity:       orDefault(f.Severity, supply.SeverityMedium),
		Message:        orDefault(f.Message, fmt.Sprintf("Anomaly detected for medicine ID: %s", ref)),
		Description:    orDefault(f.Description, fmt.Sprintf("General anomaly for medicine ID: %s.", ref)),
		Confidence:     clampConfidence(f.Confidence),
		Details:        NormalizeDetails(f.Details, f.CausesOfShortages),
		MedicineDataID: medicineID,
		Disease:        disease,
		AssignedTo:     f.AssignedTo,
		Status:         supply.StatusActive,
		Timestamp:      now.UTC(),
		ReviewedAt:     nil,
	}
	return a
}

// NormalizeDetails turns a finding's details payload into an object:
//
//   - a structured map is copied key by key;
//   - a struct, other map, slice or array is copied through its JSON
//     encoding, with slice elements keyed by index ("0", "1", ...);
//   - text that is brace-delimited after trimming is parsed as a JSON
//     object, degrading to {originalDetails: text} when it does not parse;
//   - any other non-empty value is wrapped as {originalDetails: value};
//   - an absent or empty value yields an empty object.
//
// The causesOfShortages key is then always set, to causes when non-empty
// and to "Not specified" otherwise.
func NormalizeDetails(details any, causes string) supply.Details {
	out := supply.Details{}

	switch v := details.(type) {
	case nil:
	case supply.Details:
		for k, val := range v {
			out[k] = val
		}
	case map[string]any:
		for k, val := range v {
			out[k] = val
		}
	case map[string]string:
		for k, val := range v {
			out[k] = val
		}
	case string:
		parseText(out, v)
	case json.RawMessage:
		parseText(out, string(v))
	case []byte:
		parseText(out, string(v))
	default:
		if !isEmpty(v) && !copyComposite(out, v) {
			out[supply.DetailsKeyOriginal] = v
		}
	}

	if causes != "" {
		out[supply.DetailsKeyCauses] = causes
	} else {
		out[supply.DetailsKeyCauses] = supply.CausesNotSpecified
	}
	return out
}

func parseText(out supply.Details, text string) {
	if text == "" {
		return
	}
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil && parsed != nil {
			for k, val := range parsed {
				out[k] = val
			}
			return
		}
	}
	out[supply.DetailsKeyOriginal] = text
}

// copyComposite copies a struct, map, slice or array into out by way of
// its JSON encoding, so struct tags name the keys. It reports false for
// anything that does not encode to a JSON object or array.
func copyComposite(out supply.Details, v any) bool {
	switch reflect.Indirect(reflect.ValueOf(v)).Kind() {
	case reflect.Struct, reflect.Map, reflect.Slice, reflect.Array:
	default:
		return false
	}
	b, err := json.Marshal(v)
	if err != nil {
		return false
	}

	var obj map[string]any
	if err := json.Unmarshal(b, &obj); err == nil && obj != nil {
		for k, val := range obj {
			out[k] = val
		}
		return true
	}
	var arr []any
	if err := json.Unmarshal(b, &arr); err == nil && arr != nil {
		for i, val := range arr {
			out[strconv.Itoa(i)] = val
		}
		return true
	}
	return false
}

// isEmpty treats zero numbers, false, and nil pointers/slices/maps as absent.
func isEmpty(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map:
		return rv.IsNil() || rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return rv.IsZero()
	}
	return false
}

func clampConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c) || c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
