package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"hsbackup/internal/backup"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		// Registration only fails for an empty tag or nil func.
		_ = validate.RegisterValidation("abspath", func(fl validator.FieldLevel) bool {
			return filepath.IsAbs(fl.Field().String())
		})
	})
	return validate
}

// Validate checks field constraints and the cross-field rules the tags
// cannot express. All problems are reported together.
func (c *Config) Validate() error {
	var problems []string

	if err := getValidator().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("%w: %v", backup.ErrConfig, err)
		}
		for _, fe := range fieldErrs {
			problems = append(problems, describe(fe))
		}
	}

	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := c.Providers[name]
		if name == "" || strings.ContainsAny(name, "/\\ ") {
			problems = append(problems, fmt.Sprintf("providers: invalid provider name %q", name))
		}
		switch p.Kind {
		case KindLocal:
			if p.Path == "" {
				problems = append(problems, fmt.Sprintf("providers.%s: local requires path", name))
			}
		case KindS3:
			if p.Credential == "" {
				problems = append(problems, fmt.Sprintf("providers.%s: s3 requires credential", name))
			}
		case KindB2:
			if p.Credential == "" {
				problems = append(problems, fmt.Sprintf("providers.%s: b2 requires credential", name))
			}
			if p.Region == "" && p.Endpoint == "" {
				problems = append(problems, fmt.Sprintf("providers.%s: b2 requires region or endpoint", name))
			}
		case KindDrive:
			if p.Credential == "" || p.TokenFile == "" {
				problems = append(problems, fmt.Sprintf("providers.%s: drive requires credential and token_file", name))
			}
		case KindDropbox:
			if p.Credential == "" && p.TokenFile == "" {
				problems = append(problems, fmt.Sprintf("providers.%s: dropbox requires credential or token_file", name))
			}
		}
	}

	if c.Encryption.Enabled && c.MasterSecretPath == "" {
		problems = append(problems, "master_secret_path: required when encryption is enabled")
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", backup.ErrConfig, strings.Join(problems, "; "))
}

// describe renders a field error using the JSON key path.
func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s: is required", field)
	case "abspath":
		return fmt.Sprintf("%s: must be an absolute path, got %q", field, fe.Value())
	case "oneof":
		return fmt.Sprintf("%s: must be one of %s", field, fe.Param())
	case "gte", "lte":
		return fmt.Sprintf("%s: must be %s %s", field, map[string]string{"gte": ">=", "lte": "<="}[fe.Tag()], fe.Param())
	default:
		return fmt.Sprintf("%s: failed %s validation", field, fe.Tag())
	}
}
