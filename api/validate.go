package api

import (
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/semanticallynull/bikeshare/bike"
)

// serialValidator accepts lock serial numbers: exactly bike.SerialLength characters.
func serialValidator(fl validator.FieldLevel) bool {
	return utf8.RuneCountInString(fl.Field().String()) == bike.SerialLength
}
