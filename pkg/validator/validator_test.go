package validator

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/pkg/config"
	"github.com/driftsync/driftsync/pkg/errors"
	"github.com/driftsync/driftsync/pkg/record"
)

func enabledConfig() config.ValidationConfig {
	return config.ValidationConfig{
		Enabled:          true,
		RequireTimestamp: true,
		RequiredFields:   []string{"email"},
		FieldTypes:       map[string]string{"email": "string", "age": "number", "active": "bool"},
		MaxPayloadBytes:  1024,
	}
}

func TestValidate(t *testing.T) {
	v := New(enabledConfig())

	tests := []struct {
		name    string
		mutate  func(*record.Record)
		wantErr string
	}{
		{
			name:   "valid record",
			mutate: func(*record.Record) {},
		},
		{
			name:    "missing key",
			mutate:  func(r *record.Record) { r.Key = "" },
			wantErr: "no identity key",
		},
		{
			name:    "unknown operation",
			mutate:  func(r *record.Record) { r.Operation = "upsert" },
			wantErr: "unknown operation",
		},
		{
			name:    "missing timestamp",
			mutate:  func(r *record.Record) { r.Timestamp = time.Time{} },
			wantErr: "no source timestamp",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := record.New("u1", record.OpUpdate, map[string]interface{}{"email": "a@b.c", "age": 30})
			tt.mutate(r)

			err := v.Validate(r)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
			assert.False(t, errors.IsRetryable(err), "validation failures are non-retryable")
		})
	}
}

func TestValidateRequiredFields(t *testing.T) {
	v := New(enabledConfig())

	r := record.New("u1", record.OpUpdate, map[string]interface{}{"name": "A"})
	err := v.Validate(r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required field "email" is missing`)
}

func TestValidateFieldTypes(t *testing.T) {
	v := New(enabledConfig())

	t.Run("wrong type rejected", func(t *testing.T) {
		r := record.New("u1", record.OpUpdate, map[string]interface{}{"email": 42})
		err := v.Validate(r)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `field "email" must be string`)
	})

	t.Run("json.Number counts as number", func(t *testing.T) {
		r := record.New("u1", record.OpUpdate, map[string]interface{}{
			"email": "a@b.c",
			"age":   json.Number("30"),
		})
		assert.NoError(t, v.Validate(r))
	})

	t.Run("untyped extra fields pass", func(t *testing.T) {
		r := record.New("u1", record.OpUpdate, map[string]interface{}{
			"email": "a@b.c",
			"notes": []interface{}{"x"},
		})
		assert.NoError(t, v.Validate(r))
	})
}

func TestValidateMaxPayloadBytes(t *testing.T) {
	cfg := enabledConfig()
	cfg.MaxPayloadBytes = 64
	v := New(cfg)

	big := make([]interface{}, 0, 64)
	for i := 0; i < 64; i++ {
		big = append(big, fmt.Sprintf("filler-%d", i))
	}
	r := record.New("u1", record.OpUpdate, map[string]interface{}{"email": "a@b.c", "blob": big})

	err := v.Validate(r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit is 64")
}

func TestValidateDeleteSkipsPayloadRules(t *testing.T) {
	v := New(enabledConfig())

	// Deletes carry no payload; required-field and type rules must not
	// reject them.
	r := record.New("u1", record.OpDelete, nil)
	assert.NoError(t, v.Validate(r))
}

func TestValidateDisabledStillChecksStructure(t *testing.T) {
	v := New(config.ValidationConfig{Enabled: false})

	r := record.New("u1", record.OpUpdate, nil)
	assert.NoError(t, v.Validate(r))

	r.Key = ""
	assert.Error(t, v.Validate(r), "identity key is structural, not a configured rule")
}

func TestCustomRules(t *testing.T) {
	noTestKeys := RuleFunc{
		RuleName: "no-test-keys",
		Fn: func(r *record.Record) error {
			if len(r.Key) >= 5 && r.Key[:5] == "test-" {
				return fmt.Errorf("test keys are not syncable")
			}
			return nil
		},
	}
	v := New(config.ValidationConfig{Enabled: true}, noTestKeys)

	assert.NoError(t, v.Validate(record.New("u1", record.OpCreate, nil)))

	err := v.Validate(record.New("test-u1", record.OpCreate, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rule no-test-keys failed")
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}
