package models

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/joescharf/tdd/internal/errs"
)

var payloadValidate *validator.Validate

func init() {
	payloadValidate = validator.New(validator.WithRequiredStructEnabled())
	payloadValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// Validate checks the envelope and its payload. Errors are errs.KindValidation.
func (e Event) Validate() error {
	if e.Data == nil {
		return errs.Validation("%s event: data is required", e.Type)
	}
	if e.Type != e.Data.EventType() {
		return errs.Validation("event_type %q does not match %s data", e.Type, e.Data.EventType())
	}
	if e.Timestamp.IsZero() {
		return errs.Validation("%s event: timestamp is required", e.Type)
	}

	switch d := e.Data.(type) {
	case SessionUpdated:
		return d.validate()
	case SessionPaused, SessionResumed, SessionEnded:
		return nil
	default:
		if err := payloadValidate.Struct(d); err != nil {
			return describe(e.Type, err)
		}
	}
	return nil
}

// validate applies the session_started rule of every present field.
func (u SessionUpdated) validate() error {
	present := false
	check := func(field string, value any, tag string) error {
		present = true
		if err := payloadValidate.Var(value, tag); err != nil {
			return describeField(EventSessionUpdated, field, err)
		}
		return nil
	}

	if u.Goal != nil {
		if err := check("goal", *u.Goal, "required"); err != nil {
			return err
		}
	}
	if u.TestFiles != nil {
		if err := check("test_files", u.TestFiles, "min=1,unique,dive,required"); err != nil {
			return err
		}
	}
	if u.ImplementationFiles != nil {
		if err := check("implementation_files", u.ImplementationFiles, "min=1,unique,dive,required"); err != nil {
			return err
		}
	}
	if u.RunTests != nil {
		if err := check("run_tests", u.RunTests, "min=1,dive,required"); err != nil {
			return err
		}
	}
	if u.CustomRules != nil {
		if err := check("custom_rules", u.CustomRules, "dive,required"); err != nil {
			return err
		}
	}
	if !present {
		return errs.Validation("%s event: no fields to update; specify at least one of goal, test_files, implementation_files, run_tests, custom_rules", EventSessionUpdated)
	}
	return nil
}

func describe(t EventType, err error) error {
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return errs.Validation("%s event: %v", t, err)
	}
	msgs := make([]string, 0, len(ves))
	for _, fe := range ves {
		msgs = append(msgs, fe.Field()+" "+ruleText(fe))
	}
	return errs.Validation("%s event: %s", t, strings.Join(msgs, "; "))
}

func describeField(t EventType, field string, err error) error {
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) || len(ves) == 0 {
		return errs.Validation("%s event: %s %v", t, field, err)
	}
	return errs.Validation("%s event: %s %s", t, field, ruleText(ves[0]))
}

func ruleText(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("must contain at least %s item(s)", fe.Param())
		}
		return "must be >= " + fe.Param()
	case "unique":
		return "must not contain duplicates"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	}
	return "failed " + fe.Tag()
}
