// Package validator wraps the go-playground/validator library,
// validation errors are translated to human readable messages.
package validator

import (
	"context"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	enTranslation "github.com/go-playground/validator/v10/translations/en"

	"github.com/fieldmesh/fieldmesh/internal/pkg/utils/errors"
)

type Validator interface {
	Validate(ctx context.Context, value any) error
}

type wrapper struct {
	validate   *validator.Validate
	translator ut.Translator
}

func New() Validator {
	validate := validator.New()

	enLocale := en.New()
	translator, found := ut.New(enLocale, enLocale).GetTranslator("en")
	if !found {
		panic(errors.New("en translator was not found"))
	}
	if err := enTranslation.RegisterDefaultTranslations(validate, translator); err != nil {
		panic(errors.Wrap(err, "translator was not registered"))
	}

	return &wrapper{validate: validate, translator: translator}
}

// Validate a struct according to the "validate" tags.
func (v *wrapper) Validate(ctx context.Context, value any) error {
	if err := v.validate.StructCtx(ctx, value); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			out := errors.NewMultiError()
			for _, e := range validationErrs {
				out.Append(errors.Errorf(`invalid "%s": %s`, fieldPath(e.Namespace()), e.Translate(v.translator)))
			}
			return out.ErrorOrNil()
		}
		return errors.WithStack(err)
	}
	return nil
}

func fieldPath(namespace string) string {
	// Trim the root struct name, keep the nested path.
	if index := strings.IndexByte(namespace, '.'); index >= 0 {
		return namespace[index+1:]
	}
	return namespace
}
