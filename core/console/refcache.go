package console

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	cacheKeyServices    = "services"
	cacheKeyDepartments = "departments"
	cacheKeyStaff       = "staff"
	cacheKeyMapLayers   = "map_layers"
	cacheKeyMapConfig   = "map_config"
)

// ReferenceCache holds reference data (service catalog, departments, staff
// directory, map layers and configuration) between full loads. It is an
// explicitly injected cache with bounded size and TTL and explicit
// invalidation; nothing hides in package state.
type ReferenceCache struct {
	lru *expirable.LRU[string, any]
}

func NewReferenceCache(size int, ttl time.Duration) *ReferenceCache {
	if size <= 0 {
		size = 16
	}
	return &ReferenceCache{lru: expirable.NewLRU[string, any](size, nil, ttl)}
}

func (c *ReferenceCache) Invalidate() {
	c.lru.Purge()
}

func (c *ReferenceCache) SetServices(list []Service)       { c.lru.Add(cacheKeyServices, list) }
func (c *ReferenceCache) SetDepartments(list []Department) { c.lru.Add(cacheKeyDepartments, list) }
func (c *ReferenceCache) SetStaff(list []StaffMember)      { c.lru.Add(cacheKeyStaff, list) }
func (c *ReferenceCache) SetMapLayers(list []MapLayer)     { c.lru.Add(cacheKeyMapLayers, list) }
func (c *ReferenceCache) SetMapConfig(cfg MapConfig)       { c.lru.Add(cacheKeyMapConfig, cfg) }

func (c *ReferenceCache) Services() []Service {
	if v, ok := c.lru.Get(cacheKeyServices); ok {
		if list, ok := v.([]Service); ok {
			return list
		}
	}
	return nil
}

func (c *ReferenceCache) Departments() []Department {
	if v, ok := c.lru.Get(cacheKeyDepartments); ok {
		if list, ok := v.([]Department); ok {
			return list
		}
	}
	return nil
}

func (c *ReferenceCache) Staff() []StaffMember {
	if v, ok := c.lru.Get(cacheKeyStaff); ok {
		if list, ok := v.([]StaffMember); ok {
			return list
		}
	}
	return nil
}

func (c *ReferenceCache) MapLayers() []MapLayer {
	if v, ok := c.lru.Get(cacheKeyMapLayers); ok {
		if list, ok := v.([]MapLayer); ok {
			return list
		}
	}
	return nil
}

func (c *ReferenceCache) MapConfig() (MapConfig, bool) {
	if v, ok := c.lru.Get(cacheKeyMapConfig); ok {
		if cfg, ok := v.(MapConfig); ok {
			return cfg, true
		}
	}
	return MapConfig{}, false
}

// Catalog builds the code-indexed service lookup the filter compiler uses.
func (c *ReferenceCache) Catalog() ServiceCatalog {
	catalog := ServiceCatalog{}
	for _, svc := range c.Services() {
		catalog[svc.Code] = svc
	}
	return catalog
}
