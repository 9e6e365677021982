package disclosure

import (
	"math"
	"strconv"
	"strings"
	"time"

	"leaseflow/apperr"
)

const (
	CredentialProperty = "PropertyCredential"
	CredentialCitizen  = "CitizenCredential"

	maxAddressBytes     = 64
	squareMetersPerPing = 3.305785
)

var (
	ErrMissingField     = apperr.Validation("disclosure_missing_field", "a required field was not disclosed")
	ErrNotResidential   = apperr.Validation("property_not_residential", "property use must be residential")
	ErrInvalidArea      = apperr.Validation("invalid_building_area", "building area must be a positive number of square meters")
	ErrInvalidAddress   = apperr.Validation("invalid_property_address", "property address must be non-empty and at most 64 bytes")
	ErrInvalidName      = apperr.Validation("invalid_name", "name must not be empty")
	ErrInvalidBirthDate = apperr.Validation("invalid_birth_date", "birth date must be an ISO date")
)

// Rules describes what a credential type must disclose and how it is checked.
type Rules struct {
	CredentialType string
	Required       []string
	check          func(fields map[string]string, out *Validated) error
}

var PropertyRules = Rules{
	CredentialType: CredentialProperty,
	Required:       []string{"address", "building_area", "use"},
	check:          checkProperty,
}

var CitizenRules = Rules{
	CredentialType: CredentialCitizen,
	Required:       []string{"name", "birth_date"},
	check:          checkCitizen,
}

// RulesFor returns the rules for a credential type.
func RulesFor(credentialType string) (Rules, bool) {
	switch credentialType {
	case CredentialProperty:
		return PropertyRules, true
	case CredentialCitizen:
		return CitizenRules, true
	default:
		return Rules{}, false
	}
}

// Validate checks disclosed fields against rules and normalizes them.
func Validate(party, credentialID string, fields map[string]string, rules Rules) (Validated, error) {
	out := Validated{
		Party:          party,
		CredentialID:   credentialID,
		CredentialType: rules.CredentialType,
		Fields:         make(map[string]string, len(fields)),
	}
	for _, name := range rules.Required {
		v, ok := fields[name]
		if !ok {
			return Validated{}, ErrMissingField.WithMessage("field %q was not disclosed", name)
		}
		out.Fields[name] = strings.TrimSpace(v)
	}
	if rules.check != nil {
		if err := rules.check(out.Fields, &out); err != nil {
			return Validated{}, err
		}
	}
	return out, nil
}

func checkProperty(fields map[string]string, out *Validated) error {
	use := strings.ToLower(fields["use"])
	if !strings.Contains(use, "住宅") && !strings.Contains(use, "residential") {
		return ErrNotResidential.WithMessage("property use %q is not residential", fields["use"])
	}

	area, err := ParseBuildingArea(fields["building_area"])
	if err != nil {
		return err
	}
	out.BuildingArea = area
	fields["building_area"] = strconv.FormatUint(uint64(area), 10)

	addr := fields["address"]
	if addr == "" || len(addr) > maxAddressBytes {
		return ErrInvalidAddress
	}
	out.Address = addr
	return nil
}

func checkCitizen(fields map[string]string, _ *Validated) error {
	if fields["name"] == "" {
		return ErrInvalidName
	}
	if _, err := time.Parse(time.DateOnly, fields["birth_date"]); err != nil {
		return ErrInvalidBirthDate.WithMessage("birth date %q is not YYYY-MM-DD", fields["birth_date"])
	}
	return nil
}

// ParseBuildingArea reads a positive decimal with an optional unit and
// returns whole square meters. Ping (坪) is converted.
func ParseBuildingArea(raw string) (uint32, error) {
	s := strings.TrimSpace(raw)
	factor := 1.0
	for _, unit := range []struct {
		suffix string
		factor float64
	}{
		{"m²", 1}, {"㎡", 1}, {"m2", 1}, {"平方公尺", 1}, {"坪", squareMetersPerPing},
	} {
		if strings.HasSuffix(s, unit.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, unit.suffix))
			factor = unit.factor
			break
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, ErrInvalidArea.WithMessage("building area %q is not a positive number", raw)
	}
	m2 := math.Round(v * factor)
	if m2 < 1 || m2 > math.MaxUint32 {
		return 0, ErrInvalidArea.WithMessage("building area %q is out of range", raw)
	}
	return uint32(m2), nil
}
