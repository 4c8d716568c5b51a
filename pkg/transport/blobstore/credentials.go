package blobstore

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/relvacode/iso8601"
)

// ErrCredentialsExpired is returned by an opener if the credentials have expired.
var ErrCredentialsExpired = errors.New("credentials have expired")

var validate = newValidator()

//nolint:tagliatelle
type S3Credentials struct {
	Region          string       `json:"region" validate:"required"`
	AccessKeyID     string       `json:"AccessKeyId" validate:"required"`
	SecretAccessKey string       `json:"SecretAccessKey" validate:"required"`
	SessionToken    string       `json:"SessionToken"`
	Expiration      iso8601.Time `json:"Expiration"`
}

//nolint:tagliatelle
type GCSCredentials struct {
	ProjectID   string       `json:"projectId"`
	AccessToken string       `json:"access_token" validate:"required"`
	TokenType   string       `json:"token_type"`
	Expiration  iso8601.Time `json:"expiration"`
}

//nolint:tagliatelle
type ABSCredentials struct {
	SASConnectionString string       `json:"SASConnectionString" validate:"required"`
	Expiration          iso8601.Time `json:"expiration"`
}

// FieldError is a single invalid credentials field.
type FieldError struct {
	Field string
	Tag   string
}

// FieldErrors is returned if the credentials are not valid.
type FieldErrors []FieldError

func (e FieldErrors) Error() string {
	parts := make([]string, len(e))
	for i, f := range e {
		parts[i] = fmt.Sprintf(`"%s" failed on the "%s" rule`, f.Field, f.Tag)
	}
	return "invalid credentials: " + strings.Join(parts, "; ")
}

func (c S3Credentials) Validate(now time.Time) error {
	return validateCredentials(c, c.Expiration, now)
}

func (c GCSCredentials) Validate(now time.Time) error {
	return validateCredentials(c, c.Expiration, now)
}

func (c ABSCredentials) Validate(now time.Time) error {
	return validateCredentials(c, c.Expiration, now)
}

// validateCredentials checks the struct tags and the expiration, zero expiration never expires.
func validateCredentials(v any, expiration iso8601.Time, now time.Time) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		out := make(FieldErrors, 0, len(verrs))
		for _, verr := range verrs {
			out = append(out, FieldError{Field: verr.Field(), Tag: verr.Tag()})
		}
		return out
	}
	if !expiration.IsZero() && !expiration.After(now) {
		return fmt.Errorf(`%w at "%s"`, ErrCredentialsExpired, expiration.UTC().Format(time.RFC3339))
	}
	return nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
