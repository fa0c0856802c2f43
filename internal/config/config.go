// Package config loads the YAML configuration that describes the master
// geopackage, the work packages to produce from it, and how each configured
// table should be filtered into those work packages.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrConfig is the sentinel wrapped by every configuration error: malformed
// YAML, a missing required field, or a method/filter-column mismatch.
var ErrConfig = errors.New("config error")

// Method names a filter executor strategy for a configured table.
type Method string

const (
	MethodFilterColumn   Method = "filter-column"
	MethodFilterGeometry Method = "filter-geometry"
)

// Table describes how a master table is carried into each work package.
type Table struct {
	Name         string
	Method       Method
	FilterColumn string
}

// WorkPackage describes one named derivative of the master dataset.
type WorkPackage struct {
	Name       string
	Value      Value
	ProjectRef string
}

// Config is the immutable, in-memory shape of the YAML document.
type Config struct {
	MasterFile   string
	WorkPackages []WorkPackage
	Tables       []Table
}

type rawDocument struct {
	File         string     `yaml:"file"`
	WorkPackages []rawWP    `yaml:"work-packages"`
	Tables       []rawTable `yaml:"tables"`
}

type rawWP struct {
	Name          string    `yaml:"name"`
	Value         yaml.Node `yaml:"value"`
	MerginProject string    `yaml:"mergin-project"`
}

type rawTable struct {
	Name             string `yaml:"name"`
	Method           Method `yaml:"method"`
	FilterColumnName string `yaml:"filter-column-name"`
}

// Load reads and validates the work-package configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %q: %v", ErrConfig, path, err)
	}

	var doc rawDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse %q: %v", ErrConfig, path, err)
	}

	if doc.File == "" {
		return nil, fmt.Errorf("%w: %s is missing required key %q", ErrConfig, path, "file")
	}

	cfg := &Config{
		MasterFile:   doc.File,
		WorkPackages: make([]WorkPackage, 0, len(doc.WorkPackages)),
		Tables:       make([]Table, 0, len(doc.Tables)),
	}

	for i, rw := range doc.WorkPackages {
		if rw.Name == "" {
			return nil, fmt.Errorf("%w: work-packages[%d] is missing required key %q", ErrConfig, i, "name")
		}
		if rw.MerginProject == "" {
			return nil, fmt.Errorf("%w: work-packages[%d] is missing required key %q", ErrConfig, i, "mergin-project")
		}
		value, err := decodeValue(&rw.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: work-packages[%d].value: %v", ErrConfig, i, err)
		}
		cfg.WorkPackages = append(cfg.WorkPackages, WorkPackage{
			Name:       rw.Name,
			Value:      value,
			ProjectRef: rw.MerginProject,
		})
	}

	for i, rt := range doc.Tables {
		if rt.Name == "" {
			return nil, fmt.Errorf("%w: tables[%d] is missing required key %q", ErrConfig, i, "name")
		}
		switch rt.Method {
		case MethodFilterColumn:
			if rt.FilterColumnName == "" {
				return nil, fmt.Errorf("%w: tables[%d]: method %q requires filter-column-name", ErrConfig, i, rt.Method)
			}
		case MethodFilterGeometry:
			if rt.FilterColumnName != "" {
				return nil, fmt.Errorf("%w: tables[%d]: method %q must not set filter-column-name", ErrConfig, i, rt.Method)
			}
		default:
			return nil, fmt.Errorf("%w: tables[%d]: unknown method %q", ErrConfig, i, rt.Method)
		}
		cfg.Tables = append(cfg.Tables, Table{
			Name:         rt.Name,
			Method:       rt.Method,
			FilterColumn: rt.FilterColumnName,
		})
	}

	return cfg, nil
}
