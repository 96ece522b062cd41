package model

import (
	"fmt"
	"os"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/eodag/eodag/pkg/errs"
)

// EnvValidateCollections selects strict collection validation: invalid
// metadata fails instead of being coerced to defaults with a warning.
const EnvValidateCollections = "EODAG_VALIDATE_COLLECTIONS"

// ProductType describes a logical collection the gateway understands,
// independent of any provider.
type ProductType struct {
	ID       string `yaml:"ID" json:"ID"`
	Title    string `yaml:"title" json:"title"`
	Abstract string `yaml:"abstract" json:"abstract,omitempty"`

	InstrumentID             string `yaml:"instrument" json:"instrument,omitempty"`
	Platform                 string `yaml:"platform" json:"platform,omitempty"`
	PlatformSerialIdentifier string `yaml:"platformSerialIdentifier" json:"platformSerialIdentifier,omitempty"`
	Constellation            string `yaml:"constellation" json:"constellation,omitempty"`
	ProcessingLevel          string `yaml:"processingLevel" json:"processingLevel,omitempty"`
	SensorType               string `yaml:"sensorType" json:"sensorType,omitempty"`
	License                  string `yaml:"license" json:"license,omitempty"`

	Keywords []string `yaml:"keywords" json:"keywords,omitempty"`

	// Temporal extent, RFC 3339. MissionEndDate empty means ongoing.
	MissionStartDate string `yaml:"missionStartDate" json:"missionStartDate,omitempty"`
	MissionEndDate   string `yaml:"missionEndDate" json:"missionEndDate,omitempty"`

	// Spatial extent as [west, south, east, north].
	BBox []float64 `yaml:"bbox" json:"bbox,omitempty"`

	// Alias is a user-defined alternative id.
	Alias string `yaml:"alias" json:"alias,omitempty"`
}

// Validate checks the product type metadata. Under strict mode (see
// EnvValidateCollections) any problem is an error; otherwise invalid fields
// are reset to safe defaults and a warning is logged.
func (pt *ProductType) Validate(logger kitlog.Logger) error {
	strict := os.Getenv(EnvValidateCollections) != ""

	if pt.ID == "" {
		return &errs.ValidationError{Message: "product type with empty id"}
	}

	fix := func(field, value, reason string, reset func()) error {
		if strict {
			return &errs.ValidationError{
				Message:    fmt.Sprintf("product type %s: invalid %s %q: %s", pt.ID, field, value, reason),
				Parameters: []string{field},
			}
		}
		level.Warn(logger).Log("msg", "invalid product type field, using default", "productType", pt.ID, "field", field, "value", value, "reason", reason)
		reset()
		return nil
	}

	if pt.MissionStartDate != "" {
		if _, err := time.Parse(time.RFC3339, pt.MissionStartDate); err != nil {
			if err := fix("missionStartDate", pt.MissionStartDate, "not RFC 3339", func() { pt.MissionStartDate = "" }); err != nil {
				return err
			}
		}
	}
	if pt.MissionEndDate != "" {
		if _, err := time.Parse(time.RFC3339, pt.MissionEndDate); err != nil {
			if err := fix("missionEndDate", pt.MissionEndDate, "not RFC 3339", func() { pt.MissionEndDate = "" }); err != nil {
				return err
			}
		}
	}
	if len(pt.BBox) != 0 && len(pt.BBox) != 4 {
		if err := fix("bbox", fmt.Sprintf("%v", pt.BBox), "expected 4 values", func() { pt.BBox = nil }); err != nil {
			return err
		}
	}
	return nil
}
