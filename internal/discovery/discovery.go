// Package discovery is the discovery persistence layer (C4): router
// inventory, BGP group metadata, and router↔AS mappings, backed by etcd
// (spec.md §4.4). Snapshot writes the current row set to a timestamped
// history directory when called; upserts do not capture history.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/otto-bgp/control-plane/internal/errkind"
	"github.com/otto-bgp/control-plane/internal/model"
)

const (
	routerPrefix = "/otto-bgp/discovery/routers/"
	dialTimeout  = 5 * time.Second
)

// Row is the persisted form of one router↔AS mapping with a confirmation
// timestamp, matching spec.md §4.4's "last_confirmed" field.
type Row struct {
	Hostname      string   `json:"hostname"`
	Address       string   `json:"address"`
	Group         string   `json:"group"`
	ASNumber      uint32   `json:"as_number"`
	LastConfirmed time.Time `json:"last_confirmed"`
}

// Store is the etcd-backed discovery persistence layer.
type Store struct {
	log        *zap.Logger
	client     *clientv3.Client
	historyDir string
}

// New connects to etcd and verifies connectivity before returning.
func New(log *zap.Logger, endpoints []string, historyDir string) (*Store, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errkind.New(errkind.Connection, "discovery.New", fmt.Errorf("creating etcd client: %w", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if _, err := client.Status(ctx, endpoints[0]); err != nil {
		client.Close()
		return nil, errkind.New(errkind.Connection, "discovery.New", fmt.Errorf("connecting to etcd: %w", err))
	}

	return &Store{log: log, client: client, historyDir: historyDir}, nil
}

// Close releases the etcd client.
func (s *Store) Close() error { return s.client.Close() }

// UpsertProfile persists a router's full discovered profile: the router
// record, every BGP group's membership, and a per-(hostname,group,AS) row
// stamped with now.
func (s *Store) UpsertProfile(ctx context.Context, profile *model.RouterProfile, now time.Time) error {
	rows := make([]Row, 0, len(profile.DiscoveredASNumbers))
	for _, group := range profile.GroupNames() {
		for _, as := range profile.BGPGroups[group] {
			rows = append(rows, Row{
				Hostname: profile.Hostname, Address: profile.Address,
				Group: group, ASNumber: as, LastConfirmed: now,
			})
		}
	}
	// AS numbers with no group membership still need a row (group "").
	grouped := make(map[uint32]struct{})
	for _, r := range rows {
		grouped[r.ASNumber] = struct{}{}
	}
	for _, as := range profile.SortedASNumbers() {
		if _, ok := grouped[as]; !ok {
			rows = append(rows, Row{
				Hostname: profile.Hostname, Address: profile.Address,
				Group: "", ASNumber: as, LastConfirmed: now,
			})
		}
	}

	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			return errkind.New(errkind.Data, "discovery.UpsertProfile", err)
		}
		key := rowKey(row.Hostname, row.Group, row.ASNumber)
		if _, err := s.client.Put(ctx, key, string(data)); err != nil {
			return errkind.New(errkind.Connection, "discovery.UpsertProfile", fmt.Errorf("etcd put %s: %w", key, err))
		}
	}
	return nil
}

// RoutersForAS returns every hostname currently mapped to as.
func (s *Store) RoutersForAS(ctx context.Context, as uint32) ([]string, error) {
	all, err := s.allRows(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var hosts []string
	for _, r := range all {
		if r.ASNumber == as {
			if _, ok := seen[r.Hostname]; !ok {
				seen[r.Hostname] = struct{}{}
				hosts = append(hosts, r.Hostname)
			}
		}
	}
	sort.Strings(hosts)
	return hosts, nil
}

// ASForRouter returns every AS number currently mapped to hostname.
func (s *Store) ASForRouter(ctx context.Context, hostname string) ([]uint32, error) {
	all, err := s.allRows(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[uint32]struct{})
	var nums []uint32
	for _, r := range all {
		if r.Hostname == hostname {
			if _, ok := seen[r.ASNumber]; !ok {
				seen[r.ASNumber] = struct{}{}
				nums = append(nums, r.ASNumber)
			}
		}
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums, nil
}

// GroupsForRouter returns the distinct BGP group names seen for hostname.
func (s *Store) GroupsForRouter(ctx context.Context, hostname string) ([]string, error) {
	all, err := s.allRows(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var groups []string
	for _, r := range all {
		if r.Hostname == hostname && r.Group != "" {
			if _, ok := seen[r.Group]; !ok {
				seen[r.Group] = struct{}{}
				groups = append(groups, r.Group)
			}
		}
	}
	sort.Strings(groups)
	return groups, nil
}

// AllGroups returns every distinct (hostname, group) pair on record.
func (s *Store) AllGroups(ctx context.Context) (map[string][]string, error) {
	all, err := s.allRows(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	seen := make(map[string]map[string]struct{})
	for _, r := range all {
		if r.Group == "" {
			continue
		}
		if seen[r.Hostname] == nil {
			seen[r.Hostname] = make(map[string]struct{})
		}
		if _, ok := seen[r.Hostname][r.Group]; !ok {
			seen[r.Hostname][r.Group] = struct{}{}
			out[r.Hostname] = append(out[r.Hostname], r.Group)
		}
	}
	return out, nil
}

func (s *Store) allRows(ctx context.Context) ([]Row, error) {
	resp, err := s.client.Get(ctx, routerPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errkind.New(errkind.Connection, "discovery.allRows", fmt.Errorf("etcd get: %w", err))
	}
	rows := make([]Row, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var r Row
		if err := json.Unmarshal(kv.Value, &r); err != nil {
			s.log.Warn("skipping corrupt discovery row", zap.String("key", string(kv.Key)), zap.Error(err))
			continue
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// Snapshot writes the current full row set to a timestamped history
// directory, matching spec.md §6's "discovered/history/<YYYYMMDD_HHMMSS>/"
// layout.
func (s *Store) Snapshot(ctx context.Context, now time.Time) (string, error) {
	rows, err := s.allRows(ctx)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(s.historyDir, now.Format("20060102_150405"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errkind.New(errkind.Data, "discovery.Snapshot", fmt.Errorf("creating history dir: %w", err))
	}

	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return "", errkind.New(errkind.Data, "discovery.Snapshot", err)
	}
	path := filepath.Join(dir, "mapping.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", errkind.New(errkind.Data, "discovery.Snapshot", fmt.Errorf("writing snapshot: %w", err))
	}
	return path, nil
}

// Diff reports whether two row sets differ: true if any (hostname, group,
// AS) triple appears in one and not the other (spec.md §4.4).
func Diff(a, b []Row) bool {
	key := func(r Row) string { return r.Hostname + "\x00" + r.Group + "\x00" + fmt.Sprint(r.ASNumber) }
	setA := make(map[string]struct{}, len(a))
	for _, r := range a {
		setA[key(r)] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, r := range b {
		setB[key(r)] = struct{}{}
	}
	if len(setA) != len(setB) {
		return true
	}
	for k := range setA {
		if _, ok := setB[k]; !ok {
			return true
		}
	}
	return false
}

func rowKey(hostname, group string, as uint32) string {
	return fmt.Sprintf("%s%s/%s/%d", routerPrefix, hostname, group, as)
}
