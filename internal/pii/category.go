// Package pii defines the PII categories findings are reported in, the
// mapping from detection engine labels, and value masking.
package pii

import (
	"fmt"
	"strings"
)

// Category is an enumerated PII entity type.
type Category string

const (
	SSN            Category = "ssn"
	CreditCard     Category = "credit_card"
	Email          Category = "email"
	Phone          Category = "phone"
	Person         Category = "person"
	Location       Category = "location"
	DateTime       Category = "date_time"
	IPAddress      Category = "ip_address"
	DriverLicense  Category = "driver_license"
	Passport       Category = "passport"
	BankAccount    Category = "bank_account"
	IBAN           Category = "iban"
	NationalID     Category = "national_id"
	MedicalLicense Category = "medical_license"
	URL            Category = "url"
	Other          Category = "other"
)

var displayNames = map[Category]string{
	SSN:            "Social Security Number",
	CreditCard:     "Credit Card Number",
	Email:          "Email Address",
	Phone:          "Phone Number",
	Person:         "Person Name",
	Location:       "Location/Address",
	DateTime:       "Date/Time",
	IPAddress:      "IP Address",
	DriverLicense:  "Driver License",
	Passport:       "Passport Number",
	BankAccount:    "Bank Account Number",
	IBAN:           "IBAN Code",
	NationalID:     "National ID",
	MedicalLicense: "Medical License",
	URL:            "URL",
	Other:          "Other",
}

// engineLabels maps labels emitted by Presidio-compatible engines.
var engineLabels = map[string]Category{
	"US_SSN":            SSN,
	"US_ITIN":           NationalID,
	"CREDIT_CARD":       CreditCard,
	"EMAIL_ADDRESS":     Email,
	"PHONE_NUMBER":      Phone,
	"PERSON":            Person,
	"LOCATION":          Location,
	"DATE_TIME":         DateTime,
	"IP_ADDRESS":        IPAddress,
	"US_DRIVER_LICENSE": DriverLicense,
	"US_PASSPORT":       Passport,
	"US_BANK_NUMBER":    BankAccount,
	"IBAN_CODE":         IBAN,
	"NRP":               NationalID,
	"MEDICAL_LICENSE":   MedicalLicense,
	"URL":               URL,
}

// FromEngineLabel maps an engine label to a Category. Unknown labels map to
// Other so nothing the engine reports is silently dropped.
func FromEngineLabel(label string) Category {
	if c, ok := engineLabels[strings.ToUpper(strings.TrimSpace(label))]; ok {
		return c
	}
	return Other
}

// DisplayName returns the human label used in summaries and exports.
func (c Category) DisplayName() string {
	if n, ok := displayNames[c]; ok {
		return n
	}
	return string(c)
}

// ParseCategory accepts a category name ("ssn") or an engine label ("US_SSN").
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := displayNames[c]; ok {
		return c, nil
	}
	if c, ok := engineLabels[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return c, nil
	}
	return "", fmt.Errorf("unknown pii category %q", s)
}

// ParseCategories parses every entry of names.
func ParseCategories(names []string) ([]Category, error) {
	out := make([]Category, 0, len(names))
	for _, n := range names {
		c, err := ParseCategory(n)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// DefaultHighRisk is the high-sensitivity set used when config is silent.
func DefaultHighRisk() []Category {
	return []Category{SSN, CreditCard, DriverLicense, Passport, BankAccount}
}
