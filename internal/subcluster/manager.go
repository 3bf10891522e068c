// Package subcluster implements the subcluster lifecycle manager:
// provisioning a named group of vats from one declarative
// config, wiring a bootstrap message to the designated bootstrap vat,
// and persisting/recovering/tearing down the group as a unit.
//
// Records are persisted with an in-memory mirror (id -> *Record under a
// RWMutex, reconciled from the backend on recovery); the actual vat
// lifecycle is vatmgr.Manager's job.
package subcluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ocapkernel/kernel/internal/kernelerr"
	"github.com/ocapkernel/kernel/internal/kernelstore"
	"github.com/ocapkernel/kernel/internal/marshal"
	"github.com/ocapkernel/kernel/internal/pkg/crypto"
	"github.com/ocapkernel/kernel/internal/refs"
	"github.com/ocapkernel/kernel/internal/runqueue"
	"github.com/ocapkernel/kernel/internal/vatmgr"
)

const (
	recordPrefix    = "subcluster."
	vatRecordPrefix = "subclustervat."
)

// State is a subcluster's lifecycle phase.
type State string

const (
	StateLaunching  State = "launching"
	StateRunning    State = "running"
	StateTerminated State = "terminated"
)

// Record is the persisted view of one subcluster.
type Record struct {
	ID             refs.SubclusterID `json:"id"`
	Name           string            `json:"name,omitempty"` // stable identity for system subclusters, used by orphan cleanup
	System         bool              `json:"system"`
	Config         Config            `json:"config"`
	BootstrapVatID refs.EndpointID   `json:"bootstrap_vat_id"`
	VatIDs         []refs.EndpointID `json:"vat_ids"`
	State          State             `json:"state"`
}

type vatRecord struct {
	SubclusterID refs.SubclusterID `json:"subcluster_id"`
	Config       vatmgr.VatConfig  `json:"config"`
	RootKRef     refs.KRef         `json:"root_kref"`
	// CodeHash content-addresses Config.Bundle so ReloadSubcluster can
	// tell a genuinely changed vat program from a no-op reload without
	// comparing the (possibly large) bundle strings byte for byte.
	CodeHash string `json:"code_hash"`
}

// LaunchResult is the return value of LaunchSubcluster and
// ReloadSubcluster.
type LaunchResult struct {
	SubclusterID   refs.SubclusterID
	RootKRef       refs.KRef // bootstrap vat's root object
	BootstrapValue marshal.CapData
	Rejected       bool
}

// Manager provisions, persists, recovers, and tears down subclusters.
type Manager struct {
	backend   kernelstore.Backend
	store     *kernelstore.Store
	queue     *runqueue.Queue
	router    *runqueue.Router
	vats      *vatmgr.Manager
	marshaler *marshal.Marshaler
	ids       *refs.IDAllocator

	mu          sync.RWMutex
	subclusters map[refs.SubclusterID]*Record
}

// New wires a Manager over its dependencies.
func New(backend kernelstore.Backend, store *kernelstore.Store, queue *runqueue.Queue, router *runqueue.Router, vats *vatmgr.Manager, marshaler *marshal.Marshaler, ids *refs.IDAllocator) *Manager {
	return &Manager{
		backend:     backend,
		store:       store,
		queue:       queue,
		router:      router,
		vats:        vats,
		marshaler:   marshaler,
		ids:         ids,
		subclusters: make(map[refs.SubclusterID]*Record),
	}
}

func toVatConfig(spec VatSpec) (vatmgr.VatConfig, error) {
	switch {
	case spec.SourceSpec != "":
		return vatmgr.VatConfig{Bundle: spec.SourceSpec, Params: spec.Parameters}, nil
	case spec.BundleSpec != "":
		return vatmgr.VatConfig{Bundle: spec.BundleSpec, Params: spec.Parameters}, nil
	case spec.Bundle != nil:
		data, err := json.Marshal(spec.Bundle)
		if err != nil {
			return vatmgr.VatConfig{}, err
		}
		return vatmgr.VatConfig{Bundle: string(data), Params: spec.Parameters}, nil
	default:
		return vatmgr.VatConfig{}, fmt.Errorf("subcluster: vat spec has no launch source")
	}
}

// LaunchSubcluster runs the launch protocol: validate the config,
// allocate ids and launch every vat, enqueue one bootstrap message to
// the designated vat's root, and return once its promise settles.
// system marks this as a system subcluster (ss<N> id) whose Name
// participates in startup orphan cleanup.
func (m *Manager) LaunchSubcluster(ctx context.Context, name string, system bool, cfg Config) (*LaunchResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var scID refs.SubclusterID
	if system {
		scID = m.ids.NextSystemSubcluster()
	} else {
		scID = m.ids.NextSubcluster()
	}

	names := make([]string, 0, len(cfg.Vats))
	for n := range cfg.Vats {
		names = append(names, n)
	}
	sort.Strings(names)

	m.store.BeginCrank()

	type launched struct {
		name string
		id   refs.EndpointID
		root refs.KRef
	}
	var ok []launched
	abort := func(cause error) (*LaunchResult, error) {
		m.store.AbortCrank()
		for _, l := range ok {
			_ = m.vats.TerminateVat(ctx, l.id, "subcluster launch failed")
		}
		return nil, cause
	}

	vatIDs := make([]refs.EndpointID, 0, len(names))
	roots := make(map[string]refs.KRef, len(names))
	for _, name := range names {
		vcfg, err := toVatConfig(cfg.Vats[name])
		if err != nil {
			return abort(err)
		}
		vatID := m.ids.NextVat()
		vat, err := m.vats.LaunchVat(ctx, vatID, scID, vcfg, refs.MakeERef("o", refs.Export, 1))
		if err != nil {
			return abort(err)
		}
		ok = append(ok, launched{name, vatID, vat.RootKRef})
		vatIDs = append(vatIDs, vatID)
		roots[name] = vat.RootKRef
	}

	bootstrapVatID := ok[indexOf(names, cfg.Bootstrap)].id
	bootstrapRoot := roots[cfg.Bootstrap]

	body, slots := buildBootstrapArgs(names, cfg.Bootstrap, roots, cfg.Services)
	kp := m.store.InitKernelPromise(bootstrapVatID)

	if err := m.queue.Push(ctx, runqueue.NewSendEntry(bootstrapRoot, runqueue.Message{
		Method:        "bootstrap",
		Args:          marshal.CapData{Body: body, Slots: slots},
		ResultPromise: kp,
	})); err != nil {
		return abort(err)
	}

	if err := m.store.CommitCrank(ctx); err != nil {
		for _, l := range ok {
			_ = m.vats.TerminateVat(ctx, l.id, "subcluster launch failed")
		}
		return nil, err
	}

	rec := &Record{ID: scID, Name: name, System: system, Config: cfg, BootstrapVatID: bootstrapVatID, VatIDs: vatIDs, State: StateLaunching}
	if err := m.persistRecord(ctx, rec); err != nil {
		return nil, err
	}
	for _, l := range ok {
		vcfg, _ := toVatConfig(cfg.Vats[l.name])
		if err := m.persistVatRecord(ctx, l.id, scID, vcfg, l.root); err != nil {
			return nil, err
		}
	}

	value, rejected, err := m.awaitPromise(ctx, kp)
	if err != nil {
		return nil, err
	}

	rec.State = StateRunning
	if err := m.persistRecord(ctx, rec); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.subclusters[scID] = rec
	m.mu.Unlock()

	return &LaunchResult{SubclusterID: scID, RootKRef: bootstrapRoot, BootstrapValue: value, Rejected: rejected}, nil
}

func indexOf(names []string, target string) int {
	for i, n := range names {
		if n == target {
			return i
		}
	}
	return -1
}

// buildBootstrapArgs encodes the other vats' roots and requested kernel
// services as an ordered slot list plus a small JSON body naming each
// slot's position, following the same "@qclass"-tagged-index convention
// marshal.ValidateSlotIndices and runqueue's forwarding-body marker
// already use elsewhere in this kernel.
func buildBootstrapArgs(names []string, bootstrapName string, roots map[string]refs.KRef, services []string) ([]byte, []refs.KRef) {
	type slotRef struct {
		QClass string `json:"@qclass"`
		Index  int    `json:"index"`
	}
	vatsObj := make(map[string]slotRef, len(names)-1)
	var slots []refs.KRef
	for _, name := range names {
		if name == bootstrapName {
			continue
		}
		vatsObj[name] = slotRef{QClass: "slot", Index: len(slots)}
		slots = append(slots, roots[name])
	}
	servicesObj := make(map[string]slotRef, len(services))
	for _, svc := range services {
		servicesObj[svc] = slotRef{QClass: "slot", Index: len(slots)}
		// Kernel services live at well-known krefs; the router hands any
		// send targeting one to the service registry instead of object
		// dispatch, so no vat-owned object backs these slots.
		slots = append(slots, refs.KRef("ko.service."+svc))
	}
	body, _ := json.Marshal(map[string]any{"vats": vatsObj, "services": servicesObj})
	return body, slots
}

// awaitPromise polls the kernel promise until it settles, yielding to
// whatever goroutine is driving Router.RunCrank. There is no dedicated
// "await a promise" primitive in the store itself, so this
// polls at a short interval bounded by ctx cancellation.
func (m *Manager) awaitPromise(ctx context.Context, kp refs.KRef) (marshal.CapData, bool, error) {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		rec, err := m.store.GetKernelPromise(ctx, kp)
		if err != nil {
			return marshal.CapData{}, false, err
		}
		switch rec.State {
		case kernelstore.PromiseFulfilled, kernelstore.PromiseRejected:
			var value marshal.CapData
			if len(rec.Value) > 0 {
				if err := json.Unmarshal(rec.Value, &value); err != nil {
					return marshal.CapData{}, false, &kernelerr.CorruptStoreError{Reason: fmt.Sprintf("bootstrap promise %s: %v", kp, err)}
				}
			}
			return value, rec.State == kernelstore.PromiseRejected, nil
		}
		select {
		case <-ctx.Done():
			return marshal.CapData{}, false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// TerminateSubcluster tears down every vat in the group and removes its
// persisted record.
func (m *Manager) TerminateSubcluster(ctx context.Context, id refs.SubclusterID) error {
	m.mu.Lock()
	rec, ok := m.subclusters[id]
	if ok {
		delete(m.subclusters, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("subcluster %s does not exist", id)
	}

	for _, vatID := range rec.VatIDs {
		if err := m.vats.TerminateVat(ctx, vatID, "subcluster terminated"); err != nil {
			return err
		}
		_ = m.backend.Delete(ctx, string(vatRecordPrefix)+string(vatID))
	}
	return m.backend.Delete(ctx, recordPrefix+string(id))
}

// ReloadSubcluster terminates the subcluster's current vats and
// relaunches cfg under the same subcluster id, re-running the bootstrap
// protocol. If every vat's program content is byte-for-byte identical to
// what is already running (per vatRecord.CodeHash), the reload is a
// no-op: no vat is restarted and the bootstrap protocol does not re-run.
func (m *Manager) ReloadSubcluster(ctx context.Context, id refs.SubclusterID, cfg Config) (*LaunchResult, error) {
	m.mu.RLock()
	rec, ok := m.subclusters[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.New("Subcluster does not exist.")
	}

	if m.configUnchanged(ctx, rec, cfg) {
		bootstrapVR, err := m.getVatRecord(ctx, rec.BootstrapVatID)
		if err != nil || bootstrapVR == nil {
			return nil, &kernelerr.CorruptStoreError{Reason: fmt.Sprintf("subcluster %s: missing bootstrap vat record on no-op reload", id)}
		}
		return &LaunchResult{SubclusterID: id, RootKRef: bootstrapVR.RootKRef}, nil
	}

	name := rec.Name
	system := rec.System
	if err := m.TerminateSubcluster(ctx, id); err != nil {
		return nil, err
	}
	return m.LaunchSubcluster(ctx, name, system, cfg)
}

func sortedNames(vats map[string]VatSpec) []string {
	names := make([]string, 0, len(vats))
	for n := range vats {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// configUnchanged reports whether cfg's vat set and bootstrap name match
// rec exactly and every vat's bundle content hashes identically to its
// currently-persisted vatRecord.
func (m *Manager) configUnchanged(ctx context.Context, rec *Record, cfg Config) bool {
	if cfg.Bootstrap != rec.Config.Bootstrap || len(cfg.Vats) != len(rec.Config.Vats) {
		return false
	}
	names := sortedNames(rec.Config.Vats)
	if len(names) != len(rec.VatIDs) {
		return false
	}
	for i, name := range names {
		newSpec, ok := cfg.Vats[name]
		if !ok {
			return false
		}
		vcfg, err := toVatConfig(newSpec)
		if err != nil {
			return false
		}
		vr, err := m.getVatRecord(ctx, rec.VatIDs[i])
		if err != nil || vr == nil {
			return false
		}
		if vr.CodeHash != crypto.HashString(vcfg.Bundle) {
			return false
		}
	}
	return true
}

// ReloadAll reloads every currently tracked subcluster named in configs,
// leaving untracked subclusters untouched.
func (m *Manager) ReloadAll(ctx context.Context, configs map[refs.SubclusterID]Config) error {
	m.mu.RLock()
	ids := make([]refs.SubclusterID, 0, len(m.subclusters))
	for id := range m.subclusters {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		cfg, ok := configs[id]
		if !ok {
			continue
		}
		if _, err := m.ReloadSubcluster(ctx, id, cfg); err != nil {
			return err
		}
	}
	return nil
}

// Subclusters returns a snapshot of every tracked subcluster record,
// ordered by id for stable status output.
func (m *Manager) Subclusters() []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0, len(m.subclusters))
	for _, rec := range m.subclusters {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetSubcluster returns the tracked record for id.
func (m *Manager) GetSubcluster(id refs.SubclusterID) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.subclusters[id]
	return rec, ok
}

// GetSubclusterVats returns the vat ids belonging to id.
func (m *Manager) GetSubclusterVats(id refs.SubclusterID) ([]refs.EndpointID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.subclusters[id]
	if !ok {
		return nil, fmt.Errorf("subcluster %s does not exist", id)
	}
	out := make([]refs.EndpointID, len(rec.VatIDs))
	copy(out, rec.VatIDs)
	return out, nil
}

// IsVatInSubcluster reports whether vatID belongs to subcluster id.
func (m *Manager) IsVatInSubcluster(id refs.SubclusterID, vatID refs.EndpointID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.subclusters[id]
	if !ok {
		return false
	}
	for _, v := range rec.VatIDs {
		if v == vatID {
			return true
		}
	}
	return false
}

func (m *Manager) persistRecord(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return m.backend.Set(ctx, recordPrefix+string(rec.ID), data)
}

func (m *Manager) persistVatRecord(ctx context.Context, vatID refs.EndpointID, scID refs.SubclusterID, cfg vatmgr.VatConfig, root refs.KRef) error {
	data, err := json.Marshal(vatRecord{SubclusterID: scID, Config: cfg, RootKRef: root, CodeHash: crypto.HashString(cfg.Bundle)})
	if err != nil {
		return err
	}
	return m.backend.Set(ctx, vatRecordPrefix+string(vatID), data)
}

// RecoverAll reconstructs tracked subclusters from persisted state on
// startup. configuredSystemNames lists every system subcluster name
// still present in the current configuration; a persisted system
// subcluster whose Name is absent from this set is an orphan: its
// record (and its vats' records) are deleted without ever starting a
// worker. Returns the vat records that
// must be re-initialised by vatmgr.Manager.InitializeAllVats, in a
// stable order. A persisted subcluster missing its bootstrap vat, or
// whose bootstrap vat has no recorded root object, is a fatal
// corruption error.
func (m *Manager) RecoverAll(ctx context.Context, configuredSystemNames map[string]bool) ([]vatmgr.VatRecord, error) {
	keys, err := m.backend.Keys(ctx, recordPrefix)
	if err != nil {
		return nil, err
	}

	// Stable order for deterministic recovery/testing.
	sort.Strings(keys)

	var out []vatmgr.VatRecord
	for _, k := range keys {
		data, present, err := m.backend.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if !present {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, &kernelerr.CorruptStoreError{Reason: fmt.Sprintf("subcluster record %s: %v", k, err)}
		}

		if rec.System && !configuredSystemNames[rec.Name] {
			for _, vatID := range rec.VatIDs {
				_ = m.backend.Delete(ctx, vatRecordPrefix+string(vatID))
			}
			_ = m.backend.Delete(ctx, k)
			continue
		}

		if rec.BootstrapVatID == "" {
			return nil, &kernelerr.CorruptStoreError{Reason: fmt.Sprintf("subcluster %s has no bootstrap vat", rec.ID)}
		}

		bootstrapVR, err := m.getVatRecord(ctx, rec.BootstrapVatID)
		if err != nil {
			return nil, err
		}
		if bootstrapVR == nil || bootstrapVR.RootKRef == "" {
			return nil, &kernelerr.CorruptStoreError{Reason: fmt.Sprintf("subcluster %s bootstrap vat %s has no root object", rec.ID, rec.BootstrapVatID)}
		}

		for _, vatID := range rec.VatIDs {
			vr, err := m.getVatRecord(ctx, vatID)
			if err != nil {
				return nil, err
			}
			if vr == nil {
				continue
			}
			out = append(out, vatmgr.VatRecord{ID: vatID, Subcluster: rec.ID, Config: vr.Config, RootKRef: vr.RootKRef})
		}

		recCopy := rec
		recCopy.State = StateRunning
		m.mu.Lock()
		m.subclusters[rec.ID] = &recCopy
		m.mu.Unlock()
	}
	return out, nil
}

func (m *Manager) getVatRecord(ctx context.Context, vatID refs.EndpointID) (*vatRecord, error) {
	data, ok, err := m.backend.Get(ctx, vatRecordPrefix+string(vatID))
	if err != nil || !ok {
		return nil, err
	}
	var vr vatRecord
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, &kernelerr.CorruptStoreError{Reason: fmt.Sprintf("vat record %s: %v", vatID, err)}
	}
	return &vr, nil
}
