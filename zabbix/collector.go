package zabbix

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Host is one monitored server as reported by host.get, with its items
// embedded so availability needs no follow-up call.
type Host struct {
	ID    string `json:"hostid"`
	Name  string `json:"name"`
	Items []Item `json:"items"`
}

// Item is a key/last-value pair of a host metric.
type Item struct {
	Key       string `json:"key_"`
	LastValue string `json:"lastvalue"`
}

// DiskUsage is the normalized disk utilisation of one mount point.
// Values are in the units the platform reports (bytes for vfs.fs.size).
type DiskUsage struct {
	MountPoint  string
	Total       float64
	Used        float64
	Free        float64
	FreePercent float64
}

const (
	agentPingKey  = "agent.ping"
	diskKeyPrefix = "vfs.fs.size["
)

// Collector fetches and normalizes host inventory and metrics from one
// authenticated Zabbix instance.
type Collector struct {
	client *Client
	group  string
	log    *zap.SugaredLogger
}

func NewCollector(client *Client, group string, log *zap.SugaredLogger) *Collector {
	return &Collector{client: client, group: group, log: log}
}

// ResolveGroup looks up the configured host group by name.
// An absent group is not an error: it yields ok=false and the caller polls
// zero hosts. Transport and API failures propagate.
func (g *Collector) ResolveGroup(ctx context.Context) (string, bool, error) {
	raw, err := g.client.Call(ctx, "hostgroup.get", map[string]any{
		"output": "extend",
		"filter": map[string]any{"name": []string{g.group}},
	})
	if err != nil {
		return "", false, err
	}

	var groups []struct {
		GroupID string `json:"groupid"`
	}
	if err := json.Unmarshal(raw, &groups); err != nil {
		return "", false, fmt.Errorf("zabbix: hostgroup.get: decode result: %w", err)
	}
	if len(groups) == 0 {
		g.log.Warnw("host group not found", "url", g.client.URL(), "group", g.group)
		return "", false, nil
	}
	return groups[0].GroupID, true, nil
}

// Hosts enumerates enabled hosts in the group. Each host carries its items'
// key and last value inline, so Availability works without another call.
func (g *Collector) Hosts(ctx context.Context, groupID string) ([]Host, error) {
	raw, err := g.client.Call(ctx, "host.get", map[string]any{
		"output":      []string{"hostid", "name"},
		"groupids":    []string{groupID},
		"filter":      map[string]any{"status": "0"},
		"selectItems": []string{"key_", "lastvalue"},
	})
	if err != nil {
		return nil, err
	}

	var hosts []Host
	if err := json.Unmarshal(raw, &hosts); err != nil {
		return nil, fmt.Errorf("zabbix: host.get: decode result: %w", err)
	}
	return hosts, nil
}

// Availability derives the host's reachability from its embedded agent.ping
// item: true iff the last value is "1". A missing item means the agent never
// reported and counts as unavailable, logged apart from an explicit "0".
func (g *Collector) Availability(h Host) bool {
	for _, it := range h.Items {
		if it.Key == agentPingKey {
			return it.LastValue == "1"
		}
	}
	g.log.Warnw("no agent.ping item, treating host as unavailable", "host", h.Name)
	return false
}

// rawDisk accumulates the sub-metrics of one mount point as they are seen.
type rawDisk struct {
	total *float64
	used  *float64
	free  *float64
}

// DiskSpace fetches vfs.fs.size items for the host and groups them into one
// sample per mount point. Unparsable items are skipped with a warning; the
// call returns whatever samples it could derive.
//
// A mount point is emitted only once its total is known and nonzero. A
// missing free value is derived as total-used (and vice versa); the free
// percentage is recomputed rather than trusted from the source, and is
// deliberately not clamped to [0,100] so bad sensor data stays visible.
func (g *Collector) DiskSpace(ctx context.Context, hostID string) ([]DiskUsage, error) {
	raw, err := g.client.Call(ctx, "item.get", map[string]any{
		"output":    "extend",
		"hostids":   []string{hostID},
		"search":    map[string]any{"key_": "vfs.fs.size"},
		"sortfield": "name",
	})
	if err != nil {
		return nil, err
	}

	var items []Item
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("zabbix: item.get: decode result: %w", err)
	}

	disks := make(map[string]*rawDisk)
	for _, it := range items {
		mount, metric, ok := parseDiskKey(it.Key)
		if !ok {
			g.log.Warnw("skipping unparsable disk item key", "host", hostID, "key", it.Key)
			continue
		}

		value, err := strconv.ParseFloat(it.LastValue, 64)
		if err != nil {
			g.log.Warnw("skipping disk item with non-numeric value",
				"host", hostID, "key", it.Key, "value", it.LastValue)
			continue
		}

		d := disks[mount]
		if d == nil {
			d = &rawDisk{}
			disks[mount] = d
		}
		switch metric {
		case "total":
			d.total = &value
		case "used":
			d.used = &value
		case "free":
			d.free = &value
		default:
			// pused, pfree and friends are derived on our side
		}
	}

	samples := make([]DiskUsage, 0, len(disks))
	for mount, d := range disks {
		if d.total == nil || *d.total == 0 {
			continue
		}
		if d.used == nil && d.free == nil {
			g.log.Warnw("disk has total but neither used nor free, skipping",
				"host", hostID, "mount_point", mount)
			continue
		}

		du := DiskUsage{MountPoint: mount, Total: *d.total}
		switch {
		case d.free == nil:
			du.Used = *d.used
			du.Free = du.Total - du.Used
		case d.used == nil:
			du.Free = *d.free
			du.Used = du.Total - du.Free
		default:
			du.Used = *d.used
			du.Free = *d.free
		}
		du.FreePercent = du.Free / du.Total * 100

		samples = append(samples, du)
	}

	sort.Slice(samples, func(i, j int) bool {
		return samples[i].MountPoint < samples[j].MountPoint
	})
	return samples, nil
}

// parseDiskKey splits a vfs.fs.size item key into its mount point (the first
// comma-delimited field inside the brackets) and sub-metric name, e.g.
// "vfs.fs.size[C:,total]" → ("C:", "total").
func parseDiskKey(key string) (mount, metric string, ok bool) {
	if !strings.HasPrefix(key, diskKeyPrefix) {
		return "", "", false
	}
	inner, closed := strings.CutSuffix(key[len(diskKeyPrefix):], "]")
	if !closed {
		return "", "", false
	}
	mount, metric, found := strings.Cut(inner, ",")
	if !found || mount == "" {
		return "", "", false
	}
	return mount, metric, true
}
