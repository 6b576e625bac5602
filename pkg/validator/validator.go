// Package validator checks records against a pair's validation rules
// before they are applied. A failed check is per-record and
// non-retryable: the record routes to the dead-letter sink while the
// rest of the batch continues.
package validator

import (
	"encoding/json"

	"github.com/driftsync/driftsync/pkg/config"
	"github.com/driftsync/driftsync/pkg/errors"
	jsonpool "github.com/driftsync/driftsync/pkg/json"
	"github.com/driftsync/driftsync/pkg/record"
)

// Rule is one custom validation check.
type Rule interface {
	Name() string
	Check(r *record.Record) error
}

// RuleFunc adapts a function into a Rule.
type RuleFunc struct {
	RuleName string
	Fn       func(r *record.Record) error
}

// Name returns the rule's name.
func (rf RuleFunc) Name() string { return rf.RuleName }

// Check runs the rule.
func (rf RuleFunc) Check(r *record.Record) error { return rf.Fn(r) }

// Validator validates records for one sync pair. Stateless and safe for
// concurrent use.
type Validator struct {
	cfg   config.ValidationConfig
	rules []Rule
}

// New creates a validator from pair configuration plus any custom rules.
func New(cfg config.ValidationConfig, rules ...Rule) *Validator {
	return &Validator{cfg: cfg, rules: rules}
}

// Validate checks one record. Structural checks (key, operation) always
// run; configured rules are skipped when validation is disabled, and
// payload rules are skipped for deletes, which carry none.
func (v *Validator) Validate(r *record.Record) error {
	if r.Key == "" {
		return errors.New(errors.ErrorTypeValidation, "record has no identity key")
	}
	if !r.Operation.Valid() {
		return errors.Newf(errors.ErrorTypeValidation, "unknown operation %q", r.Operation).
			WithDetail("key", r.Key)
	}

	if !v.cfg.Enabled {
		return nil
	}

	if v.cfg.RequireTimestamp && r.Timestamp.IsZero() {
		return errors.New(errors.ErrorTypeValidation, "record has no source timestamp").
			WithDetail("key", r.Key)
	}

	if !r.IsDelete() {
		if err := v.checkPayload(r); err != nil {
			return err
		}
	}

	for _, rule := range v.rules {
		if err := rule.Check(r); err != nil {
			return errors.Wrapf(err, errors.ErrorTypeValidation, "rule %s failed", rule.Name()).
				WithDetail("key", r.Key)
		}
	}

	return nil
}

func (v *Validator) checkPayload(r *record.Record) error {
	for _, field := range v.cfg.RequiredFields {
		if _, ok := r.PayloadField(field); !ok {
			return errors.Newf(errors.ErrorTypeValidation, "required field %q is missing", field).
				WithDetail("key", r.Key)
		}
	}

	for field, wantType := range v.cfg.FieldTypes {
		val, ok := r.PayloadField(field)
		if !ok {
			continue
		}
		if !typeMatches(val, wantType) {
			return errors.Newf(errors.ErrorTypeValidation, "field %q must be %s, got %T", field, wantType, val).
				WithDetail("key", r.Key)
		}
	}

	if v.cfg.MaxPayloadBytes > 0 && r.HasPayload() {
		data, err := jsonpool.Marshal(r.Payload)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeValidation, "payload is not encodable").
				WithDetail("key", r.Key)
		}
		if len(data) > v.cfg.MaxPayloadBytes {
			return errors.Newf(errors.ErrorTypeValidation, "payload is %d bytes, limit is %d",
				len(data), v.cfg.MaxPayloadBytes).
				WithDetail("key", r.Key)
		}
	}

	return nil
}

// typeMatches checks a payload value against the configured type name.
// Numbers accept every numeric representation a decoder may produce,
// including json.Number from decoders running with UseNumber.
func typeMatches(val interface{}, wantType string) bool {
	switch wantType {
	case "string":
		_, ok := val.(string)
		return ok
	case "number":
		switch val.(type) {
		case int, int32, int64, float32, float64, json.Number:
			return true
		}
		return false
	case "bool":
		_, ok := val.(bool)
		return ok
	case "object":
		_, ok := val.(map[string]interface{})
		return ok
	case "array":
		_, ok := val.([]interface{})
		return ok
	case "null":
		return val == nil
	default:
		return false
	}
}
