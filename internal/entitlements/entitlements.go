// Package entitlements gates incoming method calls by (uid, service,
// interface), loading capability maps lazily from the package manager.
package entitlements

import (
	"strings"
	"sync"

	"github.com/ehrlich-b/go-ipcbus/internal/logging"
)

// interfaceWhiteList holds substrings of interface names that bypass the
// entitlement check entirely.
var interfaceWhiteList = []string{
	"org.freedesktop",
}

// Capability maps a service name to the interfaces a package may call on
// it. A "*" service key authorises every service and interface; an empty
// interface list authorises every interface of that service.
type Capability map[string][]string

// Metadata is the slice of package metadata the cache needs.
type Metadata struct {
	AppID      string
	UserID     uint32
	Capability Capability
}

// PackageManager is the external collaborator queried when a uid is not
// yet cached.
type PackageManager interface {
	// LoadedAppIDs enumerates the currently loaded packages.
	LoadedAppIDs() []string

	// Metadata fetches one package's metadata.
	Metadata(appID string) (Metadata, bool)
}

// Cache is the entitlement cache. All mutation is serialised under one
// mutex; an unknown uid triggers at most one package-manager sweep per
// lookup.
type Cache struct {
	log *logging.Logger
	pm  PackageManager

	mu      sync.Mutex
	entries map[uint32]map[string]map[string]struct{}
}

// New creates an empty cache backed by the given package manager.
func New(pm PackageManager, log *logging.Logger) *Cache {
	if log == nil {
		log = logging.Default()
	}
	return &Cache{
		log:     log,
		pm:      pm,
		entries: make(map[uint32]map[string]map[string]struct{}),
	}
}

// IsInterfaceWhitelisted reports whether the interface name contains any
// of the process-wide whitelist substrings.
func (c *Cache) IsInterfaceWhitelisted(iface string) bool {
	for _, entry := range interfaceWhiteList {
		if strings.Contains(iface, entry) {
			return true
		}
	}
	return false
}

// IsAllowed reports whether uid may call iface on service. An unknown uid
// is first resolved through the package manager: if any loaded package has
// the asked-for uid its capability map is installed and the lookup retried
// once.
func (c *Cache) IsAllowed(uid uint32, service, iface string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[uid]
	if !ok && c.pm != nil {
		for _, appID := range c.pm.LoadedAppIDs() {
			md, found := c.pm.Metadata(appID)
			if found && md.UserID == uid {
				c.addNoLock(uid, md.AppID, md.Capability)
				break
			}
		}
		entry, ok = c.entries[uid]
	}
	if !ok {
		c.log.Errorf("uid %d is not registered in the capability cache", uid)
		return false
	}

	if _, all := entry["*"]; all {
		return true
	}
	interfaces, ok := entry[service]
	if !ok {
		c.log.Errorf("service %s is not enabled for uid %d", service, uid)
		return false
	}
	if len(interfaces) == 0 {
		// Empty set: every interface of this service is allowed.
		return true
	}
	if _, ok := interfaces[iface]; !ok {
		c.log.Errorf("interface %s is not enabled for uid %d", iface, uid)
		return false
	}
	return true
}

// AddEntitlement installs (or replaces) a uid's capability map.
func (c *Cache) AddEntitlement(uid uint32, appID string, capability Capability) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addNoLock(uid, appID, capability)
}

func (c *Cache) addNoLock(uid uint32, appID string, capability Capability) {
	if len(capability) == 0 {
		c.log.Warnf("package %s has no bus capability, nothing cached for uid %d", appID, uid)
		return
	}
	entry := make(map[string]map[string]struct{}, len(capability))
	for service, interfaces := range capability {
		set := make(map[string]struct{}, len(interfaces))
		for _, iface := range interfaces {
			set[iface] = struct{}{}
		}
		entry[service] = set
	}
	c.entries[uid] = entry
}

// ApplicationStopped purges a uid's row; subsequent lookups take the slow
// path again.
func (c *Cache) ApplicationStopped(uid uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, uid)
}
