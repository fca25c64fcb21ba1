package protocol

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the struct tags of a decoded payload.
func Validate(p Payload) error {
	if err := validatorInstance().Struct(p); err != nil {
		return fmt.Errorf("invalid %s payload: %w", p.MessageType(), err)
	}
	return nil
}
