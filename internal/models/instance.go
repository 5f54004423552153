package models

import (
	"slices"
	"time"

	"github.com/stackzilla/linode-provider/internal/resource"
)

// ComputeInstance is a declared Linode instance together with the dynamic
// attributes filled in once it exists. Shared between the lifecycle and
// storage layers.
type ComputeInstance struct {
	Name string `json:"name" yaml:"name"`

	// Configurable attributes.
	Region    string   `json:"region" yaml:"region"`
	Type      string   `json:"type" yaml:"type"`
	Image     string   `json:"image" yaml:"image"`
	Label     string   `json:"label,omitempty" yaml:"label,omitempty"`
	Group     string   `json:"group,omitempty" yaml:"group,omitempty"`
	Tags      []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	PrivateIP bool     `json:"private_ip" yaml:"private_ip"`

	// Dynamic attributes, zero until created.
	InstanceID   int      `json:"instance_id,omitempty" yaml:"-"`
	RootPassword string   `json:"root_password,omitempty" yaml:"-"`
	IPv4         []string `json:"ipv4,omitempty" yaml:"-"`
	IPv6         string   `json:"ipv6,omitempty" yaml:"-"`

	CreatedAt time.Time `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// InstanceRebuildFields cannot change in place; a change to any of them
// means destroy and recreate.
var InstanceRebuildFields = []string{"region", "image"}

// Path names the instance in diagnostics.
func (c *ComputeInstance) Path() string {
	return "instance." + c.Name
}

// Created reports whether the control plane has assigned an identity.
func (c *ComputeInstance) Created() bool {
	return c.InstanceID != 0
}

// Validate runs the structural checks: required fields and choice sets.
func (c *ComputeInstance) Validate() error {
	return resource.NewChecks(c.Path()).
		Required("name", c.Name).
		Required("region", c.Region).
		OneOf("region", c.Region, Regions).
		Required("type", c.Type).
		OneOf("type", c.Type, InstanceTypes).
		Required("image", c.Image).
		OneOf("image", c.Image, Images).
		Err()
}

// Changes lists the configurable attributes that differ between the
// persisted record c and the declaration.
func (c *ComputeInstance) Changes(declared *ComputeInstance) []resource.Change {
	var changes []resource.Change
	add := func(field string, prev, next any) {
		changes = append(changes, resource.Change{Field: field, Previous: prev, Next: next})
	}
	if c.Region != declared.Region {
		add("region", c.Region, declared.Region)
	}
	if c.Image != declared.Image {
		add("image", c.Image, declared.Image)
	}
	if c.Type != declared.Type {
		add("type", c.Type, declared.Type)
	}
	if c.Label != declared.Label {
		add("label", c.Label, declared.Label)
	}
	if c.Group != declared.Group {
		add("group", c.Group, declared.Group)
	}
	if !slices.Equal(c.Tags, declared.Tags) {
		add("tags", slices.Clone(c.Tags), slices.Clone(declared.Tags))
	}
	if c.PrivateIP != declared.PrivateIP {
		add("private_ip", c.PrivateIP, declared.PrivateIP)
	}
	return changes
}

// ApplyConfig copies the configurable attributes of declared onto c,
// leaving the dynamic attributes alone.
func (c *ComputeInstance) ApplyConfig(declared *ComputeInstance) {
	c.Region = declared.Region
	c.Type = declared.Type
	c.Image = declared.Image
	c.Label = declared.Label
	c.Group = declared.Group
	c.Tags = slices.Clone(declared.Tags)
	c.PrivateIP = declared.PrivateIP
}

// Redacted returns a copy without the root password.
func (c *ComputeInstance) Redacted() *ComputeInstance {
	out := *c
	if out.RootPassword != "" {
		out.RootPassword = "********"
	}
	return &out
}
