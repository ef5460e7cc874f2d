package bpconfig

import (
	"context"
	"fmt"

	"github.com/dtn-stack/bpcore/internal/bpdb"
	"github.com/dtn-stack/bpcore/internal/model"
	"github.com/dtn-stack/bpcore/internal/vdb"
)

// Registry implements the administrative CRUD surface from spec §6: scheme,
// endpoint, protocol, induct, and outduct add/update/remove, plus outduct
// block/unblock. internal/node.BpNode embeds a Registry so these become
// methods on *node.BpNode directly, the way the teacher's control-plane API
// handlers called straight into its store layer — except here there is no
// separate REST server in front of it (see DESIGN.md).
type Registry struct {
	Store bpdb.Store
	Vdb   *vdb.Vdb
}

// NewRegistry wires a Registry over an already-open store and volatile
// index.
func NewRegistry(store bpdb.Store, v *vdb.Vdb) *Registry {
	return &Registry{Store: store, Vdb: v}
}

// AddScheme registers a new routing scheme (spec §6).
func (r *Registry) AddScheme(ctx context.Context, name, forwarderCmd, adminAppCmd string) (model.Ref, error) {
	if _, ok := r.Vdb.SchemeByName(name); ok {
		return "", fmt.Errorf("bpconfig: scheme %q already exists", name)
	}
	s := &model.Scheme{Name: name, ForwarderCmd: forwarderCmd, AdminAppCmd: adminAppCmd}
	var ref model.Ref
	if err := r.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		var err error
		ref, err = tx.PutScheme(ctx, s)
		return err
	}); err != nil {
		return "", err
	}
	s.Ref = ref
	r.Vdb.PutScheme(s)
	return ref, nil
}

// UpdateScheme replaces the forwarder/admin-app commands of an existing
// scheme.
func (r *Registry) UpdateScheme(ctx context.Context, name, forwarderCmd, adminAppCmd string) error {
	s, ok := r.Vdb.SchemeByName(name)
	if !ok {
		return fmt.Errorf("bpconfig: scheme %q not found", name)
	}
	s.ForwarderCmd = forwarderCmd
	s.AdminAppCmd = adminAppCmd
	if err := r.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		_, err := tx.PutScheme(ctx, s)
		return err
	}); err != nil {
		return err
	}
	r.Vdb.PutScheme(s)
	return nil
}

// RemoveScheme unregisters a scheme.
func (r *Registry) RemoveScheme(ctx context.Context, name string) error {
	s, ok := r.Vdb.SchemeByName(name)
	if !ok {
		return fmt.Errorf("bpconfig: scheme %q not found", name)
	}
	if err := r.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		return tx.DeleteScheme(ctx, s.Ref)
	}); err != nil {
		return err
	}
	r.Vdb.RemoveScheme(s.Ref)
	return nil
}

// parseRecvRule maps the config-surface string form to model.RecvRule (spec
// §6: "recvRule ∈ {Discard,Enqueue}").
func parseRecvRule(s string) (model.RecvRule, error) {
	switch s {
	case "discard", "Discard", "DISCARD":
		return model.RecvDiscard, nil
	case "enqueue", "Enqueue", "ENQUEUE":
		return model.RecvEnqueue, nil
	default:
		return 0, fmt.Errorf("bpconfig: invalid recv rule %q", s)
	}
}

// AddEndpoint registers a new local endpoint under an existing scheme (spec
// §6).
func (r *Registry) AddEndpoint(ctx context.Context, schemeName, nss, recvRule, recvScript string) (model.Ref, error) {
	scheme, ok := r.Vdb.SchemeByName(schemeName)
	if !ok {
		return "", fmt.Errorf("bpconfig: scheme %q not found", schemeName)
	}
	rule, err := parseRecvRule(recvRule)
	if err != nil {
		return "", err
	}

	ep := &model.Endpoint{NSS: nss, RecvRule: rule, RecvScript: recvScript, SchemeRef: scheme.Ref}
	var ref model.Ref
	if err := r.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		var err error
		ref, err = tx.PutEndpoint(ctx, ep)
		if err != nil {
			return err
		}
		scheme.Endpoints = append(scheme.Endpoints, ref)
		_, err = tx.PutScheme(ctx, scheme)
		return err
	}); err != nil {
		return "", err
	}
	ep.Ref = ref
	r.Vdb.PutEndpoint(ep)
	r.Vdb.PutScheme(scheme)
	return ref, nil
}

// UpdateEndpoint replaces an existing endpoint's recv rule and script.
func (r *Registry) UpdateEndpoint(ctx context.Context, nss, recvRule, recvScript string) error {
	ep, ok := r.Vdb.EndpointByNSS(nss)
	if !ok {
		return fmt.Errorf("bpconfig: endpoint %q not found", nss)
	}
	rule, err := parseRecvRule(recvRule)
	if err != nil {
		return err
	}
	ep.RecvRule = rule
	ep.RecvScript = recvScript
	if err := r.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		_, err := tx.PutEndpoint(ctx, ep)
		return err
	}); err != nil {
		return err
	}
	r.Vdb.PutEndpoint(ep)
	return nil
}

// RemoveEndpoint unregisters an endpoint.
func (r *Registry) RemoveEndpoint(ctx context.Context, nss string) error {
	ep, ok := r.Vdb.EndpointByNSS(nss)
	if !ok {
		return fmt.Errorf("bpconfig: endpoint %q not found", nss)
	}
	if err := r.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		return tx.DeleteEndpoint(ctx, ep.Ref)
	}); err != nil {
		return err
	}
	r.Vdb.RemoveEndpoint(ep.Ref)
	return nil
}

// AddProtocol registers a new convergence-layer protocol (spec §6).
func (r *Registry) AddProtocol(ctx context.Context, name string, payloadBytesPerFrame, overheadPerFrame, nominalRate uint64) (model.Ref, error) {
	if _, ok := r.Vdb.ProtocolByName(name); ok {
		return "", fmt.Errorf("bpconfig: protocol %q already exists", name)
	}
	p := &model.ClProtocol{
		Name:                 name,
		PayloadBytesPerFrame: uint32(payloadBytesPerFrame),
		OverheadPerFrame:     uint32(overheadPerFrame),
		NominalRate:          nominalRate,
	}
	var ref model.Ref
	if err := r.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		var err error
		ref, err = tx.PutProtocol(ctx, p)
		return err
	}); err != nil {
		return "", err
	}
	p.Ref = ref
	r.Vdb.PutProtocol(p)
	return ref, nil
}

// RemoveProtocol unregisters a protocol (spec §6: protocols support add and
// remove only, no update).
func (r *Registry) RemoveProtocol(ctx context.Context, name string) error {
	p, ok := r.Vdb.ProtocolByName(name)
	if !ok {
		return fmt.Errorf("bpconfig: protocol %q not found", name)
	}
	if err := r.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		return tx.DeleteProtocol(ctx, p.Ref)
	}); err != nil {
		return err
	}
	r.Vdb.RemoveProtocol(p.Ref)
	return nil
}

// AddInduct registers a new inbound CLA endpoint (spec §6).
func (r *Registry) AddInduct(ctx context.Context, protocolName, ductName, cmd string) (model.Ref, error) {
	p, ok := r.Vdb.ProtocolByName(protocolName)
	if !ok {
		return "", fmt.Errorf("bpconfig: protocol %q not found", protocolName)
	}
	ind := &model.Induct{DuctName: ductName, InputAdapterCmd: cmd, ProtocolRef: p.Ref}
	var ref model.Ref
	if err := r.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		var err error
		ref, err = tx.PutInduct(ctx, ind)
		if err != nil {
			return err
		}
		p.Inducts = append(p.Inducts, ref)
		_, err = tx.PutProtocol(ctx, p)
		return err
	}); err != nil {
		return "", err
	}
	ind.Ref = ref
	r.Vdb.PutInduct(ind)
	r.Vdb.PutProtocol(p)
	return ref, nil
}

// UpdateInduct replaces an induct's input-adapter command.
func (r *Registry) UpdateInduct(ctx context.Context, ductName, cmd string) error {
	ind, ok := r.Vdb.InductByName(ductName)
	if !ok {
		return fmt.Errorf("bpconfig: induct %q not found", ductName)
	}
	ind.InputAdapterCmd = cmd
	if err := r.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		_, err := tx.PutInduct(ctx, ind)
		return err
	}); err != nil {
		return err
	}
	r.Vdb.PutInduct(ind)
	return nil
}

// RemoveInduct unregisters an induct.
func (r *Registry) RemoveInduct(ctx context.Context, ductName string) error {
	ind, ok := r.Vdb.InductByName(ductName)
	if !ok {
		return fmt.Errorf("bpconfig: induct %q not found", ductName)
	}
	if err := r.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		return tx.DeleteInduct(ctx, ind.Ref)
	}); err != nil {
		return err
	}
	r.Vdb.RemoveInduct(ind.Ref)
	return nil
}

// AddOutduct registers a new outbound CLA endpoint (spec §6).
func (r *Registry) AddOutduct(ctx context.Context, protocolName, ductName, cmd string, maxPayloadLength uint64) (model.Ref, error) {
	p, ok := r.Vdb.ProtocolByName(protocolName)
	if !ok {
		return "", fmt.Errorf("bpconfig: protocol %q not found", protocolName)
	}
	out := &model.Outduct{DuctName: ductName, OutputAdapterCmd: cmd, MaxPayloadLength: maxPayloadLength, ProtocolRef: p.Ref}
	var ref model.Ref
	if err := r.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		var err error
		ref, err = tx.PutOutduct(ctx, out)
		if err != nil {
			return err
		}
		p.Outducts = append(p.Outducts, ref)
		_, err = tx.PutProtocol(ctx, p)
		return err
	}); err != nil {
		return "", err
	}
	out.Ref = ref
	r.Vdb.PutOutduct(out)
	r.Vdb.PutProtocol(p)
	return ref, nil
}

// UpdateOutduct replaces an outduct's output-adapter command and payload
// ceiling.
func (r *Registry) UpdateOutduct(ctx context.Context, ductName, cmd string, maxPayloadLength uint64) error {
	out, ok := r.Vdb.OutductByName(ductName)
	if !ok {
		return fmt.Errorf("bpconfig: outduct %q not found", ductName)
	}
	out.OutputAdapterCmd = cmd
	out.MaxPayloadLength = maxPayloadLength
	if err := r.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		_, err := tx.PutOutduct(ctx, out)
		return err
	}); err != nil {
		return err
	}
	r.Vdb.PutOutduct(out)
	return nil
}

// RemoveOutduct unregisters an outduct.
func (r *Registry) RemoveOutduct(ctx context.Context, ductName string) error {
	out, ok := r.Vdb.OutductByName(ductName)
	if !ok {
		return fmt.Errorf("bpconfig: outduct %q not found", ductName)
	}
	if err := r.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		return tx.DeleteOutduct(ctx, out.Ref)
	}); err != nil {
		return err
	}
	r.Vdb.RemoveOutduct(out.Ref)
	return nil
}

// BlockOutduct marks an outduct blocked: forwarding's bpEnqueue parks new
// arrivals in limbo instead of queueing them here, and the dequeue engine's
// xmit loop reverse-enqueues whatever it already held, both until
// UnblockOutduct (spec §6, §4.8 reverseEnqueue).
func (r *Registry) BlockOutduct(ctx context.Context, ductName string) error {
	return r.setOutductBlocked(ctx, ductName, true)
}

// UnblockOutduct clears an outduct's blocked flag.
func (r *Registry) UnblockOutduct(ctx context.Context, ductName string) error {
	return r.setOutductBlocked(ctx, ductName, false)
}

func (r *Registry) setOutductBlocked(ctx context.Context, ductName string, blocked bool) error {
	out, ok := r.Vdb.OutductByName(ductName)
	if !ok {
		return fmt.Errorf("bpconfig: outduct %q not found", ductName)
	}
	out.Blocked = blocked
	if err := r.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		_, err := tx.PutOutduct(ctx, out)
		return err
	}); err != nil {
		return err
	}
	r.Vdb.PutOutduct(out)
	return nil
}
