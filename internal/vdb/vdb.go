// Package vdb is the L4 volatile index: an in-memory mirror of the registry
// (schemes, endpoints, protocols, inducts, outducts) and a time-ordered
// index over the event timeline, built once at node start (bpRaiseVdb) from
// internal/bpdb and kept in sync as the engine mutates the registry.
//
// Nothing here is durable. A crash loses the mirror, not the data: the next
// bpRaiseVdb equivalent (Load) rebuilds it from the object store.
package vdb

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/dtn-stack/bpcore/internal/bpdb"
	"github.com/dtn-stack/bpcore/internal/model"
)

// Vdb is the volatile registry mirror plus timeline index and the
// notification semaphores engine goroutines block on.
type Vdb struct {
	mu sync.RWMutex

	schemesByRef  map[model.Ref]*model.Scheme
	schemesByName map[string]model.Ref

	endpointsByRef map[model.Ref]*model.Endpoint
	endpointsByNSS map[string]model.Ref

	protocolsByRef  map[model.Ref]*model.ClProtocol
	protocolsByName map[string]model.Ref

	inductsByRef  map[model.Ref]*model.Induct
	inductsByName map[string]model.Ref

	outductsByRef  map[model.Ref]*model.Outduct
	outductsByName map[string]model.Ref

	// bundlesByID mirrors the persistent bundles hash (spec §3 BundleSet):
	// most keys map to exactly one bundle; a key with Count > 1 and an empty
	// BundleRef records a collision (duplicate or stale custody match,
	// spec §7 REDESIGN FLAGS) without pinning a specific surviving member.
	bundlesByID map[model.BundleID]*model.BundleSet

	// incompletesByADU mirrors the IncompleteBundle store, keyed by the ADU
	// identity (source EID, creation time) every one of its fragments
	// shares, so the reassembler can find the in-progress list for a newly
	// arrived fragment in one lookup.
	incompletesByADU map[aduKey]model.Ref

	timeline eventHeap

	// ClockWake is signaled (non-blocking) whenever an event is inserted
	// strictly before the timeline head (or into an empty timeline), so the clock (internal/timeline) doesn't
	// have to poll faster than its nearest deadline.
	ClockWake chan struct{}

	// ForwardWake is signaled whenever a bundle is pushed onto any scheme's
	// forward queue.
	ForwardWake chan struct{}

	// DequeueWake is signaled whenever a bundle is pushed onto any outduct
	// queue.
	DequeueWake chan struct{}
}

// aduKey identifies the application data unit a fragment belongs to,
// independent of its own fragment offset/length (spec §3 IncompleteBundle).
type aduKey struct {
	sourceEID    string
	creationTime int64
}

func newWakeChan() chan struct{} { return make(chan struct{}, 1) }

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// New returns an empty Vdb with its wake channels ready.
func New() *Vdb {
	return &Vdb{
		schemesByRef:    make(map[model.Ref]*model.Scheme),
		schemesByName:   make(map[string]model.Ref),
		endpointsByRef:  make(map[model.Ref]*model.Endpoint),
		endpointsByNSS:  make(map[string]model.Ref),
		protocolsByRef:  make(map[model.Ref]*model.ClProtocol),
		protocolsByName: make(map[string]model.Ref),
		inductsByRef:    make(map[model.Ref]*model.Induct),
		inductsByName:   make(map[string]model.Ref),
		outductsByRef:   make(map[model.Ref]*model.Outduct),
		outductsByName:  make(map[string]model.Ref),
		bundlesByID:      make(map[model.BundleID]*model.BundleSet),
		incompletesByADU: make(map[aduKey]model.Ref),
		ClockWake:       newWakeChan(),
		ForwardWake:     newWakeChan(),
		DequeueWake:     newWakeChan(),
	}
}

// Load rebuilds a Vdb from the persistent object store; this is the
// equivalent of ION's bpRaiseVdb, run once at bpStart.
func Load(ctx context.Context, store bpdb.Store) (*Vdb, error) {
	v := New()
	err := store.View(ctx, func(tx bpdb.Tx) error {
		schemeRefs, err := tx.ListSchemeRefs(ctx)
		if err != nil {
			return err
		}
		for _, ref := range schemeRefs {
			s, err := tx.GetScheme(ctx, ref)
			if err != nil {
				return err
			}
			v.schemesByRef[ref] = s
			v.schemesByName[s.Name] = ref
		}

		endpointRefs, err := tx.ListEndpointRefs(ctx)
		if err != nil {
			return err
		}
		for _, ref := range endpointRefs {
			e, err := tx.GetEndpoint(ctx, ref)
			if err != nil {
				return err
			}
			v.endpointsByRef[ref] = e
			v.endpointsByNSS[e.NSS] = ref
		}

		protocolRefs, err := tx.ListProtocolRefs(ctx)
		if err != nil {
			return err
		}
		for _, ref := range protocolRefs {
			p, err := tx.GetProtocol(ctx, ref)
			if err != nil {
				return err
			}
			v.protocolsByRef[ref] = p
			v.protocolsByName[p.Name] = ref
		}

		inductRefs, err := tx.ListInductRefs(ctx)
		if err != nil {
			return err
		}
		for _, ref := range inductRefs {
			i, err := tx.GetInduct(ctx, ref)
			if err != nil {
				return err
			}
			v.inductsByRef[ref] = i
			v.inductsByName[i.DuctName] = ref
		}

		outductRefs, err := tx.ListOutductRefs(ctx)
		if err != nil {
			return err
		}
		for _, ref := range outductRefs {
			o, err := tx.GetOutduct(ctx, ref)
			if err != nil {
				return err
			}
			v.outductsByRef[ref] = o
			v.outductsByName[o.DuctName] = ref
		}

		bundleRefs, err := tx.ListBundleRefs(ctx)
		if err != nil {
			return err
		}
		for _, ref := range bundleRefs {
			b, err := tx.GetBundle(ctx, ref)
			if err != nil {
				return err
			}
			v.putBundleIDLocked(b.ID, ref)
		}

		eventRefs, err := tx.ListEventRefs(ctx)
		if err != nil {
			return err
		}
		for _, ref := range eventRefs {
			ev, err := tx.GetEvent(ctx, ref)
			if err != nil {
				return err
			}
			heap.Push(&v.timeline, ev)
		}

		incompleteRefs, err := tx.ListIncompleteRefs(ctx)
		if err != nil {
			return err
		}
		for _, ref := range incompleteRefs {
			ib, err := tx.GetIncomplete(ctx, ref)
			if err != nil {
				return err
			}
			v.incompletesByADU[aduKey{ib.SourceEID, ib.CreationTime}] = ref
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// --- Schemes ---

func (v *Vdb) PutScheme(s *model.Scheme) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemesByRef[s.Ref] = s
	v.schemesByName[s.Name] = s.Ref
}

func (v *Vdb) RemoveScheme(ref model.Ref) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.schemesByRef[ref]; ok {
		delete(v.schemesByName, s.Name)
	}
	delete(v.schemesByRef, ref)
}

func (v *Vdb) SchemeByRef(ref model.Ref) (*model.Scheme, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.schemesByRef[ref]
	return s, ok
}

func (v *Vdb) SchemeByName(name string) (*model.Scheme, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ref, ok := v.schemesByName[name]
	if !ok {
		return nil, false
	}
	return v.schemesByRef[ref], true
}

// --- Endpoints ---

func (v *Vdb) PutEndpoint(e *model.Endpoint) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.endpointsByRef[e.Ref] = e
	v.endpointsByNSS[e.NSS] = e.Ref
}

func (v *Vdb) RemoveEndpoint(ref model.Ref) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if e, ok := v.endpointsByRef[ref]; ok {
		delete(v.endpointsByNSS, e.NSS)
	}
	delete(v.endpointsByRef, ref)
}

func (v *Vdb) EndpointByRef(ref model.Ref) (*model.Endpoint, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.endpointsByRef[ref]
	return e, ok
}

func (v *Vdb) EndpointByNSS(nss string) (*model.Endpoint, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ref, ok := v.endpointsByNSS[nss]
	if !ok {
		return nil, false
	}
	return v.endpointsByRef[ref], true
}

// --- Protocols ---

func (v *Vdb) PutProtocol(p *model.ClProtocol) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.protocolsByRef[p.Ref] = p
	v.protocolsByName[p.Name] = p.Ref
}

func (v *Vdb) RemoveProtocol(ref model.Ref) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if p, ok := v.protocolsByRef[ref]; ok {
		delete(v.protocolsByName, p.Name)
	}
	delete(v.protocolsByRef, ref)
}

func (v *Vdb) ProtocolByRef(ref model.Ref) (*model.ClProtocol, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	p, ok := v.protocolsByRef[ref]
	return p, ok
}

func (v *Vdb) ProtocolByName(name string) (*model.ClProtocol, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ref, ok := v.protocolsByName[name]
	if !ok {
		return nil, false
	}
	return v.protocolsByRef[ref], true
}

// --- Inducts ---

func (v *Vdb) PutInduct(i *model.Induct) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.inductsByRef[i.Ref] = i
	v.inductsByName[i.DuctName] = i.Ref
}

func (v *Vdb) RemoveInduct(ref model.Ref) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if i, ok := v.inductsByRef[ref]; ok {
		delete(v.inductsByName, i.DuctName)
	}
	delete(v.inductsByRef, ref)
}

func (v *Vdb) InductByRef(ref model.Ref) (*model.Induct, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	i, ok := v.inductsByRef[ref]
	return i, ok
}

func (v *Vdb) InductByName(name string) (*model.Induct, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ref, ok := v.inductsByName[name]
	if !ok {
		return nil, false
	}
	return v.inductsByRef[ref], true
}

// --- Outducts ---

func (v *Vdb) PutOutduct(o *model.Outduct) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.outductsByRef[o.Ref] = o
	v.outductsByName[o.DuctName] = o.Ref
	notify(v.DequeueWake)
}

func (v *Vdb) RemoveOutduct(ref model.Ref) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if o, ok := v.outductsByRef[ref]; ok {
		delete(v.outductsByName, o.DuctName)
	}
	delete(v.outductsByRef, ref)
}

func (v *Vdb) OutductByRef(ref model.Ref) (*model.Outduct, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	o, ok := v.outductsByRef[ref]
	return o, ok
}

func (v *Vdb) OutductByName(name string) (*model.Outduct, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ref, ok := v.outductsByName[name]
	if !ok {
		return nil, false
	}
	return v.outductsByRef[ref], true
}

// NotifyForwardWake posts the shared forward-dispatch semaphore, e.g. after a
// bundle is pushed onto a scheme's forwardQueue (spec §4.8 forwardBundle).
func (v *Vdb) NotifyForwardWake() { notify(v.ForwardWake) }

// NotifyDequeueWake posts the shared xmit semaphore, e.g. after a bundle is
// pushed onto an outduct queue (spec §4.8 bpEnqueue).
func (v *Vdb) NotifyDequeueWake() { notify(v.DequeueWake) }

// AllOutducts returns every outduct currently registered.
func (v *Vdb) AllOutducts() []*model.Outduct {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]*model.Outduct, 0, len(v.outductsByRef))
	for _, o := range v.outductsByRef {
		out = append(out, o)
	}
	return out
}

// --- Bundle hash ---

func (v *Vdb) putBundleIDLocked(id model.BundleID, ref model.Ref) {
	if set, ok := v.bundlesByID[id]; ok {
		set.Count++
		set.BundleRef = ""
		return
	}
	v.bundlesByID[id] = &model.BundleSet{Count: 1, BundleRef: ref}
}

// PutBundleID records a newly stored bundle under its identifying triple,
// following the bundles-hash collision rule (spec §3 BundleSet): a second
// insertion under the same key collapses the entry to Count>1 with no direct
// reference, since the id no longer uniquely names one bundle.
func (v *Vdb) PutBundleID(id model.BundleID, ref model.Ref) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.putBundleIDLocked(id, ref)
}

// LookupBundleID returns the bundles-hash entry for id, if any.
func (v *Vdb) LookupBundleID(id model.BundleID) (*model.BundleSet, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	set, ok := v.bundlesByID[id]
	return set, ok
}

// RemoveBundleID decrements the hash entry for id, removing it once the
// count reaches zero (spec §4.7 bpDestroyBundle).
func (v *Vdb) RemoveBundleID(id model.BundleID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	set, ok := v.bundlesByID[id]
	if !ok {
		return
	}
	set.Count--
	if set.Count <= 0 {
		delete(v.bundlesByID, id)
	}
}

// --- IncompleteBundle index ---

// PutIncomplete records or updates an IncompleteBundle's ADU key.
func (v *Vdb) PutIncomplete(ib *model.IncompleteBundle) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.incompletesByADU[aduKey{ib.SourceEID, ib.CreationTime}] = ib.Ref
}

// IncompleteByADU returns the in-progress IncompleteBundle's Ref for the ADU
// named by sourceEID/creationTime, if any fragment of it has arrived.
func (v *Vdb) IncompleteByADU(sourceEID string, creationTime int64) (model.Ref, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ref, ok := v.incompletesByADU[aduKey{sourceEID, creationTime}]
	return ref, ok
}

// RemoveIncomplete drops an ADU's reassembly entry, called once its
// fragments have been concatenated into an aggregate bundle.
func (v *Vdb) RemoveIncomplete(sourceEID string, creationTime int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.incompletesByADU, aduKey{sourceEID, creationTime})
}

// --- Timeline ---

// InsertEvent adds ev to the time-ordered index and wakes the clock if ev is
// now the nearest deadline.
func (v *Vdb) InsertEvent(ev *model.BpEvent) {
	v.mu.Lock()
	wasEarlier := v.timeline.Len() == 0 || ev.Time.Before(v.timeline[0].Time)
	heap.Push(&v.timeline, ev)
	v.mu.Unlock()
	if wasEarlier {
		notify(v.ClockWake)
	}
}

// RemoveEvent deletes an event from the index by Ref, used when an event
// fires early (e.g. a bundle is delivered before its expiredTTL event comes
// due) and must be pulled off the timeline out of order.
func (v *Vdb) RemoveEvent(ref model.Ref) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, ev := range v.timeline {
		if ev.Ref == ref {
			heap.Remove(&v.timeline, i)
			return
		}
	}
}

// PeekNextEvent returns the earliest event without removing it.
func (v *Vdb) PeekNextEvent() (*model.BpEvent, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.timeline.Len() == 0 {
		return nil, false
	}
	return v.timeline[0], true
}

// PopDueEvents removes and returns every event whose Time is <= now, in
// ascending time order.
func (v *Vdb) PopDueEvents(now time.Time) []*model.BpEvent {
	v.mu.Lock()
	defer v.mu.Unlock()

	var due []*model.BpEvent
	for v.timeline.Len() > 0 && !v.timeline[0].Time.After(now) {
		due = append(due, heap.Pop(&v.timeline).(*model.BpEvent))
	}
	return due
}

// eventHeap is a container/heap min-heap ordered by BpEvent.Time.
type eventHeap []*model.BpEvent

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].Time.Before(h[j].Time) }
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)         { *h = append(*h, x.(*model.BpEvent)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
