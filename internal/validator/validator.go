package validator

import (
	"reflect"
	"strings"

	"github.com/SAP-F-2025/exam-session/internal/models"
	"github.com/go-playground/validator/v10"
)

// Validator is the main validator instance that combines all validation types
type Validator struct {
	structValidator  *validator.Validate
	payloadValidator *PayloadValidator
}

// New creates a new centralized validator instance
func New() *Validator {
	structValidator := validator.New()

	// Register all custom validators once
	registerCustomValidators(structValidator)

	return &Validator{
		structValidator:  structValidator,
		payloadValidator: NewPayloadValidator(),
	}
}

// ValidateStruct validates struct tags only
func (v *Validator) ValidateStruct(s interface{}) error {
	return v.structValidator.Struct(s)
}

// Validate validates struct tags and converts failures to ValidationErrors
func (v *Validator) Validate(s interface{}) error {
	if err := v.ValidateStruct(s); err != nil {
		if errs := ToValidationErrors(err); len(errs) > 0 {
			return errs
		}
		return err
	}
	return nil
}

// ValidatePayload performs complete validation of an attempt payload (struct + structure rules)
func (v *Validator) ValidatePayload(p *models.AttemptPayload) error {
	if err := v.Validate(p); err != nil {
		return err
	}
	if errs := v.payloadValidator.ValidatePayload(p); len(errs) > 0 {
		return errs
	}
	return nil
}

// Payload returns the payload validator
func (v *Validator) Payload() *PayloadValidator {
	return v.payloadValidator
}

// Engine exposes the underlying validator, e.g. for gin's binding.
func (v *Validator) Engine() *validator.Validate {
	return v.structValidator
}

// RegisterCustomValidators registers the custom tags on an existing validator,
// such as the one gin binds requests with.
func RegisterCustomValidators(validate *validator.Validate) {
	registerCustomValidators(validate)
}

// registerCustomValidators registers all custom validation functions
func registerCustomValidators(validate *validator.Validate) {
	// Module type validation
	validate.RegisterValidation("module_type", validateModuleType)

	// Attempt module status validation
	validate.RegisterValidation("module_status", validateModuleStatus)

	// Custom tag name function for better error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Custom validation functions
func validateModuleType(fl validator.FieldLevel) bool {
	return models.ModuleType(fl.Field().String()).IsValid()
}

func validateModuleStatus(fl validator.FieldLevel) bool {
	validStatuses := []models.AttemptModuleStatus{
		models.AttemptModulePending,
		models.AttemptModuleInProgress,
		models.AttemptModuleCompleted,
	}

	value := fl.Field().String()
	for _, validStatus := range validStatuses {
		if string(validStatus) == value {
			return true
		}
	}
	return false
}
