package model

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/tiendapos/possync/internal/offline"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	// Compare decimals numerically in gt/gte/ne rules.
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	// Report json names so messages match the stored documents.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks r against its field rules. Failures are permanent errors:
// the record cannot be fixed by retrying.
func Validate(r Record) error {
	if r == nil {
		return offline.Permanent("validate", errors.New("nil record"))
	}
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), ruleText(fe)))
			}
			err = errors.New(strings.Join(msgs, "; "))
		}
		e := offline.NewError(offline.KindPermanent, "validate", err)
		e.Entity = r.Entity()
		return e
	}
	return nil
}

func ruleText(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}
