// Package config loads declarative binding specifications, so the
// when-to-fetch policy of a binding can live in a YAML file instead of
// code. Predicates that cannot be expressed declaratively (refetch
// decisions) are compiled from a list of query fields to compare.
package config

import (
	"io"
	"reflect"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	quest "github.com/djgrant/redux-quest"
)

// BindingSpec is the YAML shape of one binding declaration.
type BindingSpec struct {
	Resolver      string   `yaml:"resolver"`
	FetchOnServer *bool    `yaml:"fetch_on_server"`
	FetchOnce     bool     `yaml:"fetch_once"`
	Deferred      bool     `yaml:"deferred"`
	RefetchKeys   []string `yaml:"refetch_keys"`
	DefaultData   any      `yaml:"default_data"`
	WaitForData   bool     `yaml:"wait_for_data"`
}

type File struct {
	Bindings []BindingSpec `yaml:"bindings"`
}

func Load(r io.Reader) (*File, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read binding config")
	}
	return Parse(raw)
}

func Parse(raw []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errors.Wrap(err, "parse binding config")
	}
	for i, b := range f.Bindings {
		if b.Resolver == "" {
			return nil, errors.Errorf("binding %d: resolver is empty", i)
		}
	}
	return &f, nil
}

// Binding looks a spec up by resolver key.
func (f *File) Binding(resolver string) (BindingSpec, bool) {
	for _, b := range f.Bindings {
		if b.Resolver == resolver {
			return b, true
		}
	}
	return BindingSpec{}, false
}

// Options compiles the spec into engine-level bind options. RefetchKeys
// become a predicate refetching whenever any named query field changed.
func (s BindingSpec) Options() quest.BindOptions {
	opts := quest.BindOptions{
		FetchOnServer: s.FetchOnServer,
		FetchOnce:     s.FetchOnce,
		Deferred:      s.Deferred,
		DefaultData:   s.DefaultData,
		WaitForData:   s.WaitForData,
	}
	if len(s.RefetchKeys) > 0 {
		keys := append([]string(nil), s.RefetchKeys...)
		opts.RefetchWhen = func(prev, next quest.Query) bool {
			for _, k := range keys {
				if !reflect.DeepEqual(prev[k], next[k]) {
					return true
				}
			}
			return false
		}
	}
	return opts
}
