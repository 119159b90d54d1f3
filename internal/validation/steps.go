package validation

import (
	"regexp"
	"time"

	"github.com/pitabwire/portal/model"
)

var (
	nationalIDPattern = regexp.MustCompile(`^[0-9]{10}$`)
	phonePattern      = regexp.MustCompile(`^\+?[0-9]{9,15}$`)
	postalCodePattern = regexp.MustCompile(`^[0-9]{5}$`)
	buildingPattern   = regexp.MustCompile(`^[0-9]{4}$`)
)

// StepValidator is the rule set for one step.
type StepValidator struct {
	Fields []Field
	Cross  []CrossCheck
}

// Validate runs every field rule, then the cross-field rules. Cross-field
// messages never replace a field's own message.
func (sv StepValidator) Validate(sub model.SubDocument) map[string]string {
	errs := make(map[string]string)
	for _, f := range sv.Fields {
		if !Present(sub, f.Name) {
			if f.required(sub) {
				errs[f.Name] = "is required"
			}
			continue
		}
		v := sub[f.Name]
		for _, check := range f.Checks {
			if msg := check(v); msg != "" {
				errs[f.Name] = msg
				break
			}
		}
	}
	for _, cross := range sv.Cross {
		for field, msg := range cross(sub) {
			if _, taken := errs[field]; !taken {
				errs[field] = msg
			}
		}
	}
	return errs
}

func personalStep(now func() time.Time) StepValidator {
	return StepValidator{Fields: []Field{
		{Name: "fullName", Required: true, Checks: []Check{Length(3, 100)}},
		{Name: "nationalId", Required: true, Checks: []Check{Matches(nationalIDPattern, "must be exactly 10 digits")}},
		{Name: "dateOfBirth", Required: true, Checks: []Check{PastDate(now)}},
		{Name: "gender", Required: true, Checks: []Check{OneOf("male", "female")}},
		{Name: "maritalStatus", Checks: []Check{OneOf("single", "married", "divorced", "widowed")}},
	}}
}

func professionStep() StepValidator {
	employed := FieldEquals("employmentStatus", "employed")
	return StepValidator{Fields: []Field{
		{Name: "employmentStatus", Required: true, Checks: []Check{
			OneOf("employed", "self_employed", "unemployed", "student", "retired"),
		}},
		{Name: "employerName", RequiredWhen: employed, Checks: []Check{Length(2, 100)}},
		{Name: "jobTitle", RequiredWhen: employed, Checks: []Check{Length(2, 100)}},
		{Name: "monthlyIncome", Checks: []Check{NumberRange(0, 1e9)}},
		{Name: "educationLevel", Checks: []Check{
			OneOf("none", "primary", "secondary", "diploma", "bachelor", "master", "doctorate"),
		}},
	}}
}

func addressStep() StepValidator {
	return StepValidator{Fields: []Field{
		{Name: "region", Required: true, Checks: []Check{Length(2, 60)}},
		{Name: "city", Required: true, Checks: []Check{Length(2, 60)}},
		{Name: "district", Required: true, Checks: []Check{Length(2, 60)}},
		{Name: "street", Checks: []Check{Length(1, 120)}},
		{Name: "postalCode", Checks: []Check{Matches(postalCodePattern, "must be exactly 5 digits")}},
		{Name: "buildingNumber", Checks: []Check{Matches(buildingPattern, "must be exactly 4 digits")}},
	}}
}

func contactStep() StepValidator {
	phone := Matches(phonePattern, "must be a phone number of 9 to 15 digits")
	return StepValidator{
		Fields: []Field{
			{Name: "phone", Required: true, Checks: []Check{phone}},
			{Name: "email", RequiredWhen: FieldEquals("preferredContactMethod", "email"), Checks: []Check{Email()}},
			{Name: "emergencyContactName", Required: true, Checks: []Check{Length(3, 100)}},
			{Name: "emergencyContactPhone", Required: true, Checks: []Check{phone}},
			{Name: "preferredContactMethod", Checks: []Check{OneOf("phone", "sms", "email")}},
		},
		Cross: []CrossCheck{distinctEmergencyPhone},
	}
}

func distinctEmergencyPhone(sub model.SubDocument) map[string]string {
	own := DigitsOnly(StringValue(sub, "phone"))
	emergency := DigitsOnly(StringValue(sub, "emergencyContactPhone"))
	if own != "" && own == emergency {
		return map[string]string{"emergencyContactPhone": "must differ from your own phone number"}
	}
	return nil
}

func branchStep() StepValidator {
	return StepValidator{Fields: []Field{
		{Name: "branchId", Required: true, Checks: []Check{Length(1, 64)}},
		{Name: "serviceType", Checks: []Check{
			OneOf("social_support", "housing", "employment", "healthcare", "education"),
		}},
		{Name: "preferredDate", Checks: []Check{Date()}},
	}}
}

func documentsStep() StepValidator {
	return StepValidator{Fields: []Field{
		{Name: "idDocument", Required: true, Checks: []Check{DocumentRef()}},
		{Name: "proofOfAddress", Required: true, Checks: []Check{DocumentRef()}},
		{Name: "additionalDocuments", Checks: []Check{DocumentList(5)}},
	}}
}

// review is always valid; consent is enforced at submission.
func reviewStep() StepValidator {
	return StepValidator{}
}
