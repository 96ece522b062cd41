package config

import (
	"github.com/mitchellh/mapstructure"

	"github.com/eodag/eodag/pkg/errs"
)

// Decode maps the free-form plugin fields onto a typed plugin configuration
// struct. Weak typing is deliberate: environment overrides arrive as
// strings.
func (c *PluginConfig) Decode(out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(c.Fields); err != nil {
		return &errs.MisconfiguredError{Message: "decoding plugin configuration: " + err.Error()}
	}
	return nil
}
