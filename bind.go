package domainlimit

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// maxBindBytes caps admin request bodies.
const maxBindBytes = 1 << 16

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]; name != "" && name != "-" {
			return name
		}
		return fld.Name
	})
	return v
}

// bindJSON decodes the request body into dest and validates it.
// Returns true if binding and validation succeeded. On failure the error
// response has already been staged or written.
func bindJSON(w http.ResponseWriter, r *http.Request, dest any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBindBytes)

	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, r, ErrPayloadTooLarge.With("Request body too large"))
		} else {
			writeError(w, r, ErrBadRequest.With("Invalid JSON request body"))
		}
		return false
	}

	if err := validate.Struct(dest); err != nil {
		writeError(w, r, NewValidationError(translateErrors(err)))
		return false
	}

	return true
}

func translateErrors(err error) []FieldError {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return []FieldError{{
			Code:    "validation",
			Message: err.Error(),
		}}
	}
	result := make([]FieldError, len(errs))
	for i, e := range errs {
		result[i] = FieldError{
			Param:   e.Field(),
			Code:    e.Tag(),
			Message: formatValidation(e.Tag(), e.Param()),
		}
	}
	return result
}

func formatValidation(tag, param string) string {
	switch tag {
	case "required":
		return "required"
	case "min":
		return "must be at least " + param
	case "max":
		return "must be at most " + param
	default:
		if param != "" {
			return tag + "=" + param
		}
		return tag
	}
}
