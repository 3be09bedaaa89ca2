package license

import (
	"fmt"
	"log/slog"
	"time"
)

// Tier is the commercial tier of a license.
type Tier int

const (
	TierBasic Tier = iota + 1
	TierProfessional
	TierEnterprise
)

// Module identifiers that can be enabled by a license.
const (
	ModuleSurveyListing     = "survey-listing"
	ModuleSoundVelocity     = "sound-velocity"
	ModuleTideAnalysis      = "tide-analysis"
	ModuleGnssCalibration   = "gnss-calibration"
	ModuleMruCalibration    = "mru-calibration"
	ModuleUsblVerification  = "usbl-verification"
	ModuleEquipmentRegister = "equipment-register"
	ModuleNetworkTimeSync   = "network-time-sync"
)

// TierInfo describes a tier.
type TierInfo struct {
	Name           string
	DisplayName    string
	DefaultModules []string
}

var tierInfo = map[Tier]TierInfo{
	TierBasic: {
		Name:           "Basic",
		DisplayName:    "FathomOS Basic",
		DefaultModules: []string{ModuleSurveyListing, ModuleSoundVelocity},
	},
	TierProfessional: {
		Name:        "Professional",
		DisplayName: "FathomOS Professional",
		DefaultModules: []string{
			ModuleSurveyListing, ModuleSoundVelocity, ModuleTideAnalysis,
			ModuleGnssCalibration, ModuleMruCalibration, ModuleUsblVerification,
		},
	},
	TierEnterprise: {
		Name:        "Enterprise",
		DisplayName: "FathomOS Enterprise",
		DefaultModules: []string{
			ModuleSurveyListing, ModuleSoundVelocity, ModuleTideAnalysis,
			ModuleGnssCalibration, ModuleMruCalibration, ModuleUsblVerification,
			ModuleEquipmentRegister, ModuleNetworkTimeSync,
		},
	},
}

// Info returns the tier metadata. Unknown tiers return the zero value.
func (t Tier) Info() TierInfo { return tierInfo[t] }

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := tierInfo[t]
	return ok
}

func (t Tier) String() string {
	if info, ok := tierInfo[t]; ok {
		return info.Name
	}
	return fmt.Sprintf("Tier(%d)", int(t))
}

// MarshalText encodes the tier by name.
func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown tier %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText decodes a tier name.
func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseTier looks a tier up by its exact name.
func ParseTier(name string) (Tier, error) {
	for t, info := range tierInfo {
		if info.Name == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown tier %q", name)
}

// SubscriptionType is the billing term of a license.
type SubscriptionType int

const (
	SubscriptionMonthly SubscriptionType = iota + 1
	SubscriptionYearly
	SubscriptionLifetime
)

// SubscriptionInfo describes a subscription type. Years, Months and Days
// form the default term; all zero means the license never expires.
type SubscriptionInfo struct {
	Name   string
	Years  int
	Months int
	Days   int
}

var subscriptionInfo = map[SubscriptionType]SubscriptionInfo{
	SubscriptionMonthly:  {Name: "Monthly", Months: 1},
	SubscriptionYearly:   {Name: "Yearly", Years: 1},
	SubscriptionLifetime: {Name: "Lifetime"},
}

// Info returns the subscription metadata.
func (s SubscriptionType) Info() SubscriptionInfo { return subscriptionInfo[s] }

// Valid reports whether s is a known subscription type.
func (s SubscriptionType) Valid() bool {
	_, ok := subscriptionInfo[s]
	return ok
}

// Perpetual reports whether licenses of this type never expire.
func (s SubscriptionType) Perpetual() bool {
	info := subscriptionInfo[s]
	return info.Years == 0 && info.Months == 0 && info.Days == 0
}

// DefaultExpiry returns the end of the default term starting at issuedAt,
// or nil for perpetual subscriptions.
func (s SubscriptionType) DefaultExpiry(issuedAt time.Time) *time.Time {
	if !s.Valid() || s.Perpetual() {
		return nil
	}
	info := subscriptionInfo[s]
	exp := issuedAt.AddDate(info.Years, info.Months, info.Days)
	return &exp
}

func (s SubscriptionType) String() string {
	if info, ok := subscriptionInfo[s]; ok {
		return info.Name
	}
	return fmt.Sprintf("SubscriptionType(%d)", int(s))
}

// MarshalText encodes the subscription type by name.
func (s SubscriptionType) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown subscription type %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a subscription type name.
func (s *SubscriptionType) UnmarshalText(b []byte) error {
	v, err := ParseSubscriptionType(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSubscriptionType looks a subscription type up by its exact name.
func ParseSubscriptionType(name string) (SubscriptionType, error) {
	for s, info := range subscriptionInfo {
		if info.Name == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown subscription type %q", name)
}

// Type says whether a license is bound to hardware.
type Type int

const (
	TypeOnline Type = iota + 1
	TypeOffline
)

var typeNames = map[Type]string{
	TypeOnline:  "Online",
	TypeOffline: "Offline",
}

// Valid reports whether t is a known license type.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// MarshalText encodes the license type by name.
func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown license type %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText decodes a license type name.
func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseType looks a license type up by its exact name.
func ParseType(name string) (Type, error) {
	for t, n := range typeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown license type %q", name)
}

// Status is the outcome of validating a license.
type Status int

const (
	StatusUnverified Status = iota
	StatusValid
	StatusExpired
	StatusRevoked
	StatusHardwareMismatch
	StatusSignatureInvalid
	StatusCorrupt
)

// StatusInfo carries what a caller needs to present a validation outcome.
type StatusInfo struct {
	Name string
	// Level is the log severity for this outcome.
	Level slog.Level
	// Integrity marks outcomes that may indicate tampering.
	Integrity bool
	// Action is the machine-readable follow-up the UI should offer.
	Action  string
	Message string
}

var statusInfo = map[Status]StatusInfo{
	StatusUnverified: {
		Name:    "Unverified",
		Level:   slog.LevelDebug,
		Action:  "validate",
		Message: "The license has not been validated yet.",
	},
	StatusValid: {
		Name:    "Valid",
		Level:   slog.LevelInfo,
		Action:  "none",
		Message: "The license is valid.",
	},
	StatusExpired: {
		Name:    "Expired",
		Level:   slog.LevelWarn,
		Action:  "renew",
		Message: "The license has expired. Renew your subscription to continue.",
	},
	StatusRevoked: {
		Name:    "Revoked",
		Level:   slog.LevelWarn,
		Action:  "contact_support",
		Message: "The license has been revoked. Contact support for assistance.",
	},
	StatusHardwareMismatch: {
		Name:    "HardwareMismatch",
		Level:   slog.LevelWarn,
		Action:  "reactivate",
		Message: "The license is bound to a different machine. Request a reactivation for this computer.",
	},
	StatusSignatureInvalid: {
		Name:      "SignatureInvalid",
		Level:     slog.LevelError,
		Integrity: true,
		Action:    "reinstall_license",
		Message:   "The license signature is invalid. The file may have been modified.",
	},
	StatusCorrupt: {
		Name:      "Corrupt",
		Level:     slog.LevelError,
		Integrity: true,
		Action:    "reinstall_license",
		Message:   "The license file is damaged or in an unsupported format.",
	},
}

// Info returns the status metadata.
func (s Status) Info() StatusInfo {
	if info, ok := statusInfo[s]; ok {
		return info
	}
	return statusInfo[StatusUnverified]
}

func (s Status) String() string {
	if info, ok := statusInfo[s]; ok {
		return info.Name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ExpiryBand groups a remaining term for renewal prompts.
type ExpiryBand string

const (
	BandPerpetual ExpiryBand = "Perpetual"
	BandActive    ExpiryBand = "Active"
	BandWarning   ExpiryBand = "Warning"
	BandCritical  ExpiryBand = "Critical"
	BandExpired   ExpiryBand = "Expired"
)

// expiryBands is ordered by Within; the first band whose Within is at least
// the remaining term wins.
var expiryBands = []struct {
	Within       time.Duration
	Band         ExpiryBand
	NeedsRenewal bool
	Message      string
}{
	{0, BandExpired, true, "License has expired"},
	{7 * 24 * time.Hour, BandCritical, true, "License expires within a week"},
	{30 * 24 * time.Hour, BandWarning, true, "License expires within 30 days"},
}

// RenewalInfo tells the caller whether to prompt for renewal.
type RenewalInfo struct {
	DaysLeft     int        `json:"days_left"`
	Band         ExpiryBand `json:"band"`
	Message      string     `json:"message"`
	NeedsRenewal bool       `json:"needs_renewal"`
	IsExpired    bool       `json:"is_expired"`
}

// Renewal classifies the remaining term of rec at now.
func Renewal(rec *Record, now time.Time) RenewalInfo {
	if rec == nil || rec.ExpiresAt == nil {
		return RenewalInfo{Band: BandPerpetual, Message: "License does not expire"}
	}

	remaining := rec.ExpiresAt.Sub(now)
	days := 0
	if remaining > 0 {
		days = int(remaining.Hours() / 24)
	}
	for _, b := range expiryBands {
		if remaining <= b.Within {
			return RenewalInfo{
				DaysLeft:     days,
				Band:         b.Band,
				Message:      b.Message,
				NeedsRenewal: b.NeedsRenewal,
				IsExpired:    b.Band == BandExpired,
			}
		}
	}
	return RenewalInfo{DaysLeft: days, Band: BandActive, Message: "License is active"}
}
