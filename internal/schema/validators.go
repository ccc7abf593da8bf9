package schema

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/KamaTechOrg/BSDFlow/internal/domain"
	"github.com/KamaTechOrg/BSDFlow/internal/scalar"
)

// Field validators are named, serializable strategies: a schema stores the
// validator name plus parameters, never a callable.

type validatorFunc func(params map[string]string, v scalar.Value) error

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

var (
	validatorMu sync.RWMutex
	validators  = map[string]validatorFunc{
		"nonempty": func(_ map[string]string, v scalar.Value) error {
			if v.Kind() == scalar.KindString && strings.TrimSpace(v.Str()) == "" {
				return fmt.Errorf("must not be empty")
			}
			return nil
		},
		"email": func(_ map[string]string, v scalar.Value) error {
			if v.Kind() != scalar.KindString || !emailRe.MatchString(v.Str()) {
				return fmt.Errorf("must be an email address")
			}
			return nil
		},
		"positive": func(_ map[string]string, v scalar.Value) error {
			if v.Kind() != scalar.KindNumber || v.Number() <= 0 {
				return fmt.Errorf("must be a positive number")
			}
			return nil
		},
		"max_length": func(params map[string]string, v scalar.Value) error {
			limit, err := strconv.Atoi(params["limit"])
			if err != nil {
				return fmt.Errorf("max_length needs an integer limit param")
			}
			if v.Kind() == scalar.KindString && len(v.Str()) > limit {
				return fmt.Errorf("must be at most %d characters", limit)
			}
			return nil
		},
		"pattern": func(params map[string]string, v scalar.Value) error {
			re, err := regexp.Compile(params["pattern"])
			if err != nil {
				return fmt.Errorf("bad pattern: %v", err)
			}
			if v.Kind() != scalar.KindString || !re.MatchString(v.Str()) {
				return fmt.Errorf("must match %s", params["pattern"])
			}
			return nil
		},
	}
)

// RegisterPattern adds a named pattern validator, typically from config.
func RegisterPattern(name, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("validator %s: %w", name, err)
	}
	validatorMu.Lock()
	defer validatorMu.Unlock()
	validators[name] = func(_ map[string]string, v scalar.Value) error {
		if v.Kind() != scalar.KindString || !re.MatchString(v.Str()) {
			return fmt.Errorf("must match %s", pattern)
		}
		return nil
	}
	return nil
}

// KnownValidator reports whether a validator name is registered.
func KnownValidator(name string) bool {
	validatorMu.RLock()
	defer validatorMu.RUnlock()
	_, ok := validators[name]
	return ok
}

// ApplyValidator runs the named strategy against a candidate value.
func ApplyValidator(spec *domain.ValidatorSpec, v scalar.Value) error {
	if spec == nil {
		return nil
	}
	validatorMu.RLock()
	fn, ok := validators[spec.Name]
	validatorMu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown validator %s", spec.Name)
	}
	return fn(spec.Params, v)
}
