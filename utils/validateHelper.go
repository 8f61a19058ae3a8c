package utils

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// GetValidator returns the shared validator; field names are reported by
// their json tag.
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// ValidateStruct runs struct-tag validation and returns field => failed tag.
// A nil map means the input is valid.
func ValidateStruct(input any) (map[string]string, error) {
	err := GetValidator().Struct(input)
	if err == nil {
		return nil, nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil, err
	}
	return ProcessValidationErrors(validationErrors), nil
}

func ProcessValidationErrors(validationErrors validator.ValidationErrors) map[string]string {

	errorResponse := make(map[string]string)

	for _, ve := range validationErrors {
		// drop the root struct name: "NewSale.items[0].quantity" => "items[0].quantity"
		field := ve.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		errorResponse[field] = ve.Tag()
	}

	return errorResponse
}
