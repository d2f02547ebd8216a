package model

import (
	"strings"
)

// Port is a container port and whether it is reachable from outside the group.
type Port struct {
	Number uint16 `json:"port"`
	Public bool   `json:"public"`
}

// Container is one image running inside a replica group.
type Container struct {
	Name  string            `json:"name"`
	Image string            `json:"image"`
	Env   map[string]string `json:"env,omitempty"`
	Ports []Port            `json:"ports,omitempty"`
}

// ReplicaGroup is one provisioned unit serving a logical app. Apart from its
// address, a group never changes after creation.
type ReplicaGroup struct {
	Name       string      `json:"name"`
	App        string      `json:"app"`
	Region     string      `json:"region,omitempty"`
	Address    string      `json:"address,omitempty"`
	Containers []Container `json:"containers"`
}

// GroupName builds a fresh group name for app. The app is always the
// segment before the first dash so that AppFromGroupName can recover it.
func GroupName(app string) string {
	return NewName(strings.ToLower(app))
}

// AppFromGroupName returns the app a group belongs to, or "" if the name
// does not follow the GroupName convention.
func AppFromGroupName(name string) string {
	app, _, ok := strings.Cut(name, "-")
	if !ok || app == "" {
		return ""
	}
	return strings.ToLower(app)
}

// Duplicate returns a copy of g's definition under a fresh name with no address.
func (g ReplicaGroup) Duplicate() ReplicaGroup {
	containers := make([]Container, len(g.Containers))
	for i, c := range g.Containers {
		dup := c
		if c.Env != nil {
			dup.Env = make(map[string]string, len(c.Env))
			for k, v := range c.Env {
				dup.Env[k] = v
			}
		}
		dup.Ports = append([]Port(nil), c.Ports...)
		containers[i] = dup
	}
	return ReplicaGroup{
		Name:       GroupName(g.App),
		App:        g.App,
		Region:     g.Region,
		Containers: containers,
	}
}

// PublicPorts lists every public port across the group's containers.
func (g ReplicaGroup) PublicPorts() []uint16 {
	var ports []uint16
	for _, c := range g.Containers {
		for _, p := range c.Ports {
			if p.Public {
				ports = append(ports, p.Number)
			}
		}
	}
	return ports
}
