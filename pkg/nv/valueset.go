package nv

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	epyq "github.com/epcpower/goepyq"
	"gopkg.in/yaml.v3"
)

// ValueSet is a snapshot of parameter meta values keyed by path
type ValueSet map[string]map[Meta]float64

// Snapshot collects the known values of metas
func (t *Tree) Snapshot(metas ...Meta) ValueSet {
	if len(metas) == 0 {
		metas = Metas
	}
	set := make(ValueSet)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.parameters {
		for _, meta := range metas {
			s := p.slots[meta]
			if !s.valid {
				continue
			}
			key := p.String()
			if set[key] == nil {
				set[key] = make(map[Meta]float64)
			}
			set[key][meta] = s.value
		}
	}
	return set
}

// SaveValueSet writes the known values of metas as YAML
func SaveValueSet(w io.Writer, t *Tree, metas ...Meta) error {
	set := t.Snapshot(metas...)
	root := &yaml.Node{Kind: yaml.MappingNode}
	paths := make([]string, 0, len(set))
	for path := range set {
		paths = append(paths, path)
	}
	// Tree order rather than map order
	index := make(map[string]int, len(t.parameters))
	for i, p := range t.parameters {
		index[p.String()] = i
	}
	sort.Slice(paths, func(i, j int) bool { return index[paths[i]] < index[paths[j]] })
	for _, path := range paths {
		values := &yaml.Node{Kind: yaml.MappingNode}
		for _, meta := range Metas {
			value, ok := set[path][meta]
			if !ok {
				continue
			}
			values.Content = append(values.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: meta.String()},
				&yaml.Node{Kind: yaml.ScalarNode, Value: strconv.FormatFloat(value, 'g', -1, 64)},
			)
		}
		root.Content = append(root.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: path}, values)
	}
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(root); err != nil {
		return err
	}
	return encoder.Close()
}

// LoadValueSet applies a YAML value set as local edits
// Every entry is attempted, the returned error joins the failures.
func LoadValueSet(r io.Reader, t *Tree, checkRange bool) error {
	set := ValueSet{}
	if err := yaml.NewDecoder(r).Decode(&set); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: value set : %v", epyq.ErrIllegalArgument, err)
	}
	paths := make([]string, 0, len(set))
	for path := range set {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	var errs []error
	for _, path := range paths {
		p, err := t.Lookup(strings.TrimSpace(path))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		// Limits first so range checks of the value use them
		for _, meta := range []Meta{Minimum, Maximum, UserDefault, FactoryDefault, Value} {
			value, ok := set[path][meta]
			if !ok {
				continue
			}
			if err := t.SetMeta(p, meta, value, checkRange); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
