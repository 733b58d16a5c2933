package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/vultisig/multisigner/internal/types"
	"github.com/vultisig/multisigner/internal/xrpl"
)

var Validate *validator.Validate

var hexPattern = regexp.MustCompile(`^[0-9a-fA-F]+$`)

func init() {
	Validate = validator.New()

	_ = Validate.RegisterValidation("hexadecimal", func(fl validator.FieldLevel) bool {
		return hexPattern.MatchString(fl.Field().String())
	})

	_ = Validate.RegisterValidation("ledger_address", func(fl validator.FieldLevel) bool {
		return xrpl.ValidateAddress(fl.Field().String()) == nil
	})
}

// Struct validates s and reports failures as types.ErrInvalidRequest, naming
// every offending field.
func Struct(s any) error {
	err := Validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", types.ErrInvalidRequest, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", types.ErrInvalidRequest, strings.Join(fields, ", "))
}
