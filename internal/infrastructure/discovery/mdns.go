// Package discovery advertises the bridge's HTTP API over mDNS and finds
// other bridges on the local network.
//
// Advertising is optional (nikobus.advertise in config.yaml). The service
// type is _nikobus._tcp; TXT records carry the bridge ID, the software
// version and whether a PC-link is configured.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the mDNS service type of the bridge API.
	ServiceType = "_nikobus._tcp"

	// ServiceDomain is the mDNS domain.
	ServiceDomain = "local."

	// DefaultBrowseTimeout bounds Browse when no timeout is given.
	DefaultBrowseTimeout = 5 * time.Second

	maxPort = 65535
)

// TXT record keys.
const (
	TXTBridge  = "bridge"
	TXTVersion = "version"
	TXTPCLink  = "pclink"
	TXTPath    = "path"
)

// ErrInvalidAdvertisement is returned by Advertise for a bad name or port.
var ErrInvalidAdvertisement = errors.New("discovery: invalid advertisement")

// Advertiser holds a registered mDNS service.
type Advertiser struct {
	server   *zeroconf.Server
	instance string
	port     int
	once     sync.Once
}

// Advertise registers instance on all multicast interfaces.
//
// Parameters:
//   - instance: Human-readable service instance name
//   - port: TCP port of the HTTP API
//   - txt: TXT records in key=value form (see TXTRecords)
//
// Returns:
//   - *Advertiser: Call Shutdown to withdraw the service
//   - error: ErrInvalidAdvertisement, or a registration failure
func Advertise(instance string, port int, txt []string) (*Advertiser, error) {
	if strings.TrimSpace(instance) == "" {
		return nil, fmt.Errorf("%w: instance name is required", ErrInvalidAdvertisement)
	}
	if port < 1 || port > maxPort {
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidAdvertisement, port)
	}

	server, err := zeroconf.Register(instance, ServiceType, ServiceDomain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("registering mDNS service: %w", err)
	}

	return &Advertiser{server: server, instance: instance, port: port}, nil
}

// Instance returns the advertised instance name.
func (a *Advertiser) Instance() string {
	return a.instance
}

// Port returns the advertised port.
func (a *Advertiser) Port() int {
	return a.port
}

// Shutdown withdraws the service. Safe to call on nil and more than once.
func (a *Advertiser) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.once.Do(a.server.Shutdown)
}

// InstanceName builds the advertised instance name for a bridge ID.
func InstanceName(bridgeID string) string {
	if bridgeID == "" {
		return "Nikobus bridge"
	}
	return "Nikobus bridge " + bridgeID
}

// TXTRecords builds the TXT records advertised with the API.
func TXTRecords(bridgeID, version string, pclink bool) []string {
	return []string{
		TXTBridge + "=" + bridgeID,
		TXTVersion + "=" + version,
		TXTPCLink + "=" + fmt.Sprintf("%t", pclink),
		TXTPath + "=/api/v1",
	}
}

// Instance is a bridge found by Browse.
type Instance struct {
	Name     string            `json:"name"`
	HostName string            `json:"host_name"`
	Address  string            `json:"address"`
	Port     int               `json:"port"`
	TXT      map[string]string `json:"txt"`
}

// URL returns the base URL of the instance's API.
func (i Instance) URL() string {
	host := i.Address
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	path := i.TXT[TXTPath]
	return fmt.Sprintf("http://%s:%d%s", host, i.Port, path)
}

// Browse lists bridges advertising ServiceType until timeout elapses or ctx
// is cancelled. Results are sorted by name.
func Browse(ctx context.Context, timeout time.Duration) ([]Instance, error) {
	if timeout <= 0 {
		timeout = DefaultBrowseTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("creating mDNS resolver: %w", err)
	}

	var (
		mu    sync.Mutex
		found = make(map[string]Instance)
	)
	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for entry := range entries {
			if inst, ok := parseEntry(entry); ok {
				mu.Lock()
				found[inst.Name] = inst
				mu.Unlock()
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return nil, fmt.Errorf("browsing mDNS services: %w", err)
	}
	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	instances := make([]Instance, 0, len(found))
	for _, inst := range found {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Name < instances[j].Name })
	return instances, nil
}

// parseEntry converts a resolved service entry. Entries without an address
// are skipped.
func parseEntry(entry *zeroconf.ServiceEntry) (Instance, bool) {
	if entry == nil {
		return Instance{}, false
	}

	var addr string
	switch {
	case len(entry.AddrIPv4) > 0:
		addr = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		addr = entry.AddrIPv6[0].String()
	default:
		return Instance{}, false
	}

	txt := make(map[string]string, len(entry.Text))
	for _, record := range entry.Text {
		key, value, _ := strings.Cut(record, "=")
		txt[key] = value
	}

	return Instance{
		Name:     entry.Instance,
		HostName: entry.HostName,
		Address:  addr,
		Port:     entry.Port,
		TXT:      txt,
	}, true
}
