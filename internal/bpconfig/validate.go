package bpconfig

import "github.com/go-playground/validator/v10"

var validate = validator.New()

// Validate checks cfg against its `validate` struct tags (required fields,
// oneof enumerations, numeric bounds) using the same
// github.com/go-playground/validator rules the rest of this repository's
// config-shaped types are tagged with.
func Validate(cfg *Config) error {
	return validate.Struct(cfg)
}
