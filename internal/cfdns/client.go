package cfdns

import (
	"context"
	"fmt"
	"strings"
	"sync"

	cf "github.com/cloudflare/cloudflare-go/v6"
	"github.com/cloudflare/cloudflare-go/v6/option"
	"github.com/cloudflare/cloudflare-go/v6/zones"
	"github.com/rs/zerolog/log"
)

// Client wraps the Cloudflare API client with zone-id caching.
type Client struct {
	api *cf.Client

	zoneMu      sync.RWMutex
	zoneCache   map[string]string // zone name -> zone ID
	zonesLoaded bool
}

// NewClient creates a Cloudflare client authenticated with an API token.
func NewClient(apiToken string) *Client {
	return &Client{
		api:       cf.NewClient(option.WithAPIToken(apiToken)),
		zoneCache: make(map[string]string),
	}
}

// API returns the underlying Cloudflare API client, for callers (e.g. AuthGate)
// that need endpoints this wrapper doesn't expose.
func (c *Client) API() *cf.Client {
	return c.api
}

// ZoneID resolves the zone id of the longest matching registered zone for a
// hostname, stripping subdomain labels right-to-left until a match is found.
func (c *Client) ZoneID(ctx context.Context, hostname string) (string, error) {
	if err := c.loadZones(ctx); err != nil {
		return "", err
	}

	c.zoneMu.RLock()
	defer c.zoneMu.RUnlock()

	zoneName, zoneID := c.matchZone(hostname)
	if zoneID == "" {
		return "", fmt.Errorf("zone not found for hostname: %s", hostname)
	}

	log.Debug().Str("hostname", hostname).Str("zone", zoneName).Str("zone_id", zoneID).Msg("resolved zone id")
	return zoneID, nil
}

func (c *Client) loadZones(ctx context.Context) error {
	c.zoneMu.RLock()
	if c.zonesLoaded {
		c.zoneMu.RUnlock()
		return nil
	}
	c.zoneMu.RUnlock()

	c.zoneMu.Lock()
	defer c.zoneMu.Unlock()
	if c.zonesLoaded {
		return nil
	}

	list, err := c.api.Zones.List(ctx, zones.ZoneListParams{})
	if err != nil {
		return fmt.Errorf("failed to list zones: %w", err)
	}
	for _, z := range list.Result {
		c.zoneCache[z.Name] = z.ID
	}
	c.zonesLoaded = true
	log.Debug().Int("count", len(list.Result)).Msg("loaded zones into cache")
	return nil
}

// matchZone finds the longest matching zone name for hostname.
// Must be called with zoneMu held for reading at least.
func (c *Client) matchZone(hostname string) (string, string) {
	hostname = strings.TrimSuffix(hostname, ".")
	candidate := hostname
	for candidate != "" {
		if zoneID, ok := c.zoneCache[candidate]; ok {
			return candidate, zoneID
		}
		idx := strings.Index(candidate, ".")
		if idx < 0 {
			break
		}
		candidate = candidate[idx+1:]
	}
	return "", ""
}

// InvalidateZoneCache forces a reload of the zone cache on the next ZoneID call.
func (c *Client) InvalidateZoneCache() {
	c.zoneMu.Lock()
	defer c.zoneMu.Unlock()
	c.zoneCache = make(map[string]string)
	c.zonesLoaded = false
}
