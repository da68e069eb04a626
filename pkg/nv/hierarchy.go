package nv

import (
	"fmt"
	"io"
	"os"
	"strings"

	epyq "github.com/epcpower/goepyq"
	"gopkg.in/yaml.v3"
)

// Hierarchy describes how parameters are grouped
// A node is either a group (Name, Children) or a parameter reference. In
// YAML a parameter reference may be written as a bare string.
//
//	name: Parameters
//	children:
//	  - name: Grid
//	    children:
//	      - GridVoltage
//	      - parameter: Calibration
//	        factory: true
type Hierarchy struct {
	Name      string      `yaml:"name,omitempty"`
	Children  []Hierarchy `yaml:"children,omitempty"`
	Parameter string      `yaml:"parameter,omitempty"`
	Factory   bool        `yaml:"factory,omitempty"`
}

func (h *Hierarchy) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*h = Hierarchy{Parameter: value.Value}
		return nil
	}
	type plain Hierarchy
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	if p.Parameter != "" && len(p.Children) > 0 {
		return fmt.Errorf("%w: line %v, parameter %v has children", epyq.ErrIllegalArgument, value.Line, p.Parameter)
	}
	*h = Hierarchy(p)
	return nil
}

func ParseHierarchy(r io.Reader) (*Hierarchy, error) {
	h := &Hierarchy{}
	if err := yaml.NewDecoder(r).Decode(h); err != nil {
		return nil, fmt.Errorf("%w: hierarchy : %v", epyq.ErrIllegalArgument, err)
	}
	return h, nil
}

func LoadHierarchy(path string) (*Hierarchy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseHierarchy(f)
}

func splitPath(path string) []string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 1 && parts[0] == "" {
		return nil
	}
	return parts
}
