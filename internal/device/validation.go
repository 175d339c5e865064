package device

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	maxNameLength     = 100
	maxIDLength       = 64
	maxDataKeys       = 50
	maxArrayLength    = 50
	maxStringValueLen = 1024
	maxNestingDepth   = 10
)

// IDs become MQTT topic levels, so wildcards and separators are excluded.
var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

var validStatuses = func() map[Status]struct{} {
	m := make(map[Status]struct{}, len(AllStatuses()))
	for _, s := range AllStatuses() {
		m[s] = struct{}{}
	}
	return m
}()

// ValidateDevice returns the first validation failure found.
func ValidateDevice(d *Device) error {
	if err := ValidateID(d.ID); err != nil {
		return err
	}
	if err := ValidateName(d.Name); err != nil {
		return err
	}
	if _, ok := validStatuses[d.Status]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, d.Status)
	}
	if len(d.Data) > maxDataKeys {
		return fmt.Errorf("%w: more than %d keys", ErrInvalidData, maxDataKeys)
	}
	return validateMap(d.Data, 0)
}

// ValidateID checks that id is usable as a single MQTT topic level.
func ValidateID(id string) error {
	if id == "" || len(id) > maxIDLength || !idRegex.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// ValidateName checks if a device name is valid.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	return nil
}

// validateMap bounds key length, value size and nesting depth.
func validateMap(m map[string]any, depth int) error {
	if depth > maxNestingDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrInvalidData, maxNestingDepth)
	}
	for k, v := range m {
		if len(k) > maxStringValueLen {
			return fmt.Errorf("%w: key too long", ErrInvalidData)
		}
		if err := validateValue(v, depth); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(v any, depth int) error {
	switch val := v.(type) {
	case string:
		if len(val) > maxStringValueLen {
			return fmt.Errorf("%w: string value too long", ErrInvalidData)
		}
	case map[string]any:
		if len(val) > maxDataKeys {
			return fmt.Errorf("%w: nested map too large", ErrInvalidData)
		}
		return validateMap(val, depth+1)
	case []any:
		if len(val) > maxArrayLength {
			return fmt.Errorf("%w: array too large", ErrInvalidData)
		}
		for _, elem := range val {
			if err := validateValue(elem, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// GenerateID returns a new random device ID.
func GenerateID() string {
	return uuid.New().String()
}

// GenerateKey returns a new random device key.
func GenerateKey() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
