package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/MikeSquared-Agency/iminsight/internal/filter"
)

// Rules is the operator-edited rules file. Ingestion reads it once at
// startup; report runs re-read it every time.
type Rules struct {
	Targets        []string `yaml:"targets" validate:"required,min=1"`
	Blacklist      []string `yaml:"blacklist"`
	Whitelist      []string `yaml:"whitelist" validate:"required,min=1,dive,required"`
	FoldContent    bool     `yaml:"fold_content_case"`
	TemporaryGoods []string `yaml:"temporary_goods"`
}

// LoadRules reads and validates the rules file at path.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("%w: read rules: %v", ErrInvalid, err)
	}
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Rules{}, fmt.Errorf("%w: parse rules %s: %v", ErrInvalid, path, err)
	}
	if err := validatorInstance().Struct(r); err != nil {
		return Rules{}, fmt.Errorf("%w: rules %s: %v", ErrInvalid, path, err)
	}
	return r, nil
}

// Filter returns the ingestion snapshot. Slices are copied so later edits to
// r cannot leak into a running filter.
func (r Rules) Filter() filter.Rules {
	return filter.Rules{
		Targets:     append([]string(nil), r.Targets...),
		Blacklist:   append([]string(nil), r.Blacklist...),
		Whitelist:   append([]string(nil), r.Whitelist...),
		FoldContent: r.FoldContent,
	}
}
