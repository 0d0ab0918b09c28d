// Package intents reads flow intent documents from YAML or JSON files and
// submits them to the flow manager. A document lists install and delete
// requests:
//
//	intents:
//	  - action: install
//	    devices: [s1]
//	    flows:
//	      - priority: 100
//	        match: {in_port: 1, dl_vlan: 324}
//	        actions: [{action_type: output, port: 2}]
//	  - action: delete
//	    all: true
//
// An intent without devices targets the whole fleet.
package intents

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/flowkeeper/pkg/flows"
)

// Action is what an intent asks for.
type Action string

const (
	ActionInstall Action = "install"
	ActionDelete  Action = "delete"
)

// Intent is a single install or delete request.
type Intent struct {
	Action Action `yaml:"action" json:"action" validate:"required,oneof=install delete"`

	// Devices restricts the intent to the listed devices. Empty means every
	// device: connected ones for installs, stored ones for deletes.
	Devices []string `yaml:"devices,omitempty" json:"devices,omitempty" validate:"dive,required"`

	// All deletes every stored flow of the targeted devices. Only valid for
	// deletes and exclusive with Flows.
	All bool `yaml:"all,omitempty" json:"all,omitempty"`

	Flows []flows.Flow `yaml:"flows,omitempty" json:"flows,omitempty"`
}

// Document is one intent file.
type Document struct {
	Intents []Intent `yaml:"intents" json:"intents" validate:"required,min=1,dive"`

	// Source is the file the document was read from.
	Source string `yaml:"-" json:"-"`
}

var validate = validator.New()

// Extensions lists the file suffixes the loader reads.
var Extensions = []string{".yaml", ".yml", ".json"}

// Parse decodes and validates a document. JSON is accepted as a subset of YAML.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse intent document: %w", err)
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}

	return &doc, nil
}

// Validate checks the document structure and every flow in it.
func (d *Document) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("invalid intent document: %w", err)
	}

	for i, in := range d.Intents {
		switch {
		case in.All && in.Action != ActionDelete:
			return fmt.Errorf("intent %d: all is only valid for delete", i)
		case in.All && len(in.Flows) > 0:
			return fmt.Errorf("intent %d: all and flows are exclusive", i)
		case !in.All && len(in.Flows) == 0:
			return fmt.Errorf("intent %d: no flows given", i)
		}

		if err := flows.ValidateAll(in.Flows); err != nil {
			return fmt.Errorf("intent %d: %w", i, err)
		}
	}

	return nil
}

// LoadFile reads one document.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	doc.Source = path

	return doc, nil
}

// LoadDir reads every intent file directly inside dir, in file name order.
func LoadDir(dir string) ([]*Document, error) {
	paths, err := listFiles(dir)
	if err != nil {
		return nil, err
	}

	docs := make([]*Document, 0, len(paths))
	for _, path := range paths {
		doc, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	return docs, nil
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !IsIntentFile(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)

	return paths, nil
}

// IsIntentFile reports whether name has an intent file suffix. Hidden files
// are ignored.
func IsIntentFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}
