package model

// PII entity types recognized by the analyzer.
const (
	PIICreditCard     = "CREDIT_CARD"
	PIICrypto         = "CRYPTO"
	PIIDateTime       = "DATE_TIME"
	PIIEmailAddress   = "EMAIL_ADDRESS"
	PIIIBANCode       = "IBAN_CODE"
	PIIIPAddress      = "IP_ADDRESS"
	PIIMedicalLicense = "MEDICAL_LICENSE"
	PIIPhoneNumber    = "PHONE_NUMBER"
	PIIURL            = "URL"
	PIIUSBankNumber   = "US_BANK_NUMBER"
	PIIUSDriver       = "US_DRIVER_LICENSE"
	PIIUSITIN         = "US_ITIN"
	PIIUSPassport     = "US_PASSPORT"
	PIIUSSSN          = "US_SSN"
)

// PIIEntities is the full set of entity types, in reporting order.
var PIIEntities = []string{
	PIICreditCard,
	PIICrypto,
	PIIDateTime,
	PIIEmailAddress,
	PIIIBANCode,
	PIIIPAddress,
	PIIMedicalLicense,
	PIIPhoneNumber,
	PIIURL,
	PIIUSBankNumber,
	PIIUSDriver,
	PIIUSITIN,
	PIIUSPassport,
	PIIUSSSN,
}

// IsPIIEntity reports whether s is a known entity type.
func IsPIIEntity(s string) bool {
	for _, e := range PIIEntities {
		if e == s {
			return true
		}
	}
	return false
}
