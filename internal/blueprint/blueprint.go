// Package blueprint loads the declared set of resources from YAML.
//
//	instances:
//	  - name: web
//	    region: us-east
//	    type: g6-nanode-1
//	    image: linode/alpine3.13
//	volumes:
//	  - name: data
//	    region: us-east
//	    size: 120
//	    instance: web
//	    mount_point: /mnt/data
//	    file_system_type: ext4
package blueprint

import (
	"bytes"
	"io"
	"os"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"github.com/stackzilla/linode-provider/internal/models"
)

// Blueprint is the declared configuration.
type Blueprint struct {
	Instances []*models.ComputeInstance `yaml:"instances"`
	Volumes   []*models.BlockVolume     `yaml:"volumes"`
}

// Load reads and parses the blueprint at path.
func Load(path string) (*Blueprint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "reading blueprint %s", path)
	}
	bp, err := Parse(data)
	if err != nil {
		return nil, errors.Annotatef(err, "parsing blueprint %s", path)
	}
	return bp, nil
}

// Parse decodes a blueprint. Unknown keys and duplicate or empty names are
// rejected.
func Parse(data []byte) (*Blueprint, error) {
	bp := &Blueprint{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(bp); err != nil && err != io.EOF {
		return nil, errors.Trace(err)
	}

	seen := make(map[string]bool)
	for _, inst := range bp.Instances {
		if err := claim(seen, inst.Path(), inst.Name); err != nil {
			return nil, err
		}
	}
	for _, vol := range bp.Volumes {
		if err := claim(seen, vol.Path(), vol.Name); err != nil {
			return nil, err
		}
	}
	return bp, nil
}

func claim(seen map[string]bool, path, name string) error {
	if name == "" {
		return errors.NotValidf("resource without a name")
	}
	if seen[path] {
		return errors.AlreadyExistsf("%s", path)
	}
	seen[path] = true
	return nil
}

// Instance returns the declared instance with the given name.
func (bp *Blueprint) Instance(name string) (*models.ComputeInstance, bool) {
	for _, inst := range bp.Instances {
		if inst.Name == name {
			return inst, true
		}
	}
	return nil, false
}

// Volume returns the declared volume with the given name.
func (bp *Blueprint) Volume(name string) (*models.BlockVolume, bool) {
	for _, vol := range bp.Volumes {
		if vol.Name == name {
			return vol, true
		}
	}
	return nil, false
}
