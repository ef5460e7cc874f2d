// Package bpwire implements the self-describing byte layout of a bundle's
// primary block and extension blocks (spec §6 "Persisted layout"): the
// primary block carries the fixed header fields, and every block after it
// — pre-payload, the payload itself, and post-payload — is framed as
// flags + type + length-delimited body so an unrecognized type can still be
// skipped or retained whole.
//
// The payload is encoded as an ordinary block of reserved type
// BlockTypePayload rather than as a separate length field in the primary
// block: this lets DecodeBundle report the payload's byte offset within the
// stream so the caller can zco.Clone that byte range out of the inbound ZCO
// instead of copying it into memory (spec §4.2 zero-copy intent).
package bpwire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/dtn-stack/bpcore/internal/eid"
	"github.com/dtn-stack/bpcore/internal/model"
)

// BlockTypePayload is the reserved extension-block type carrying the ADU
// bytes. Values below 16 are reserved for this core; scheme/application
// extension blocks use higher type values.
const BlockTypePayload uint8 = 1

// MaxBlockBodyLen is the default maximum single extension block size (spec
// §6). DecodeBundle rejects a declared length beyond this as malformed.
const MaxBlockBodyLen = 2000

// MinPrimaryBlockLen is the smallest legal primary block encoding (spec §6:
// "Primary block >= 23 bytes").
const MinPrimaryBlockLen = 23

// countingReader tracks bytes consumed so DecodeBundle can report the byte
// offset of the payload block's body within the stream.
type countingReader struct {
	r io.Reader
	n uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += uint64(n)
	return n, err
}

func readUint8String(r io.Reader, maxLen int) (string, error) {
	var n uint8
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if int(n) > maxLen {
		return "", fmt.Errorf("bpwire: string length %d exceeds %d", n, maxLen)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeUint8String(w io.Writer, s string, maxLen int) error {
	if len(s) > maxLen {
		return fmt.Errorf("bpwire: string %q exceeds %d bytes", s, maxLen)
	}
	if err := binary.Write(w, binary.BigEndian, uint8(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readEID(r io.Reader) (eid.EID, error) {
	s, err := readUint8String(r, eid.MaxEIDLen)
	if err != nil {
		return eid.EID{}, err
	}
	if s == "" {
		return eid.EID{}, nil
	}
	return eid.Parse(s)
}

func writeEID(w io.Writer, e eid.EID) error {
	if e.Scheme == "" {
		return writeUint8String(w, "", eid.MaxEIDLen)
	}
	return writeUint8String(w, e.String(), eid.MaxEIDLen)
}

// block is the wire framing for one extension (or payload) block: flags,
// type, and a length-delimited body (spec §6).
func readBlock(r io.Reader) (model.ExtensionBlock, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return model.ExtensionBlock{}, err
	}
	blk := model.ExtensionBlock{Type: hdr[0], Flags: model.BlockFlags(hdr[1])}

	var length uint16
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return model.ExtensionBlock{}, err
	}
	if int(length) > MaxBlockBodyLen {
		return model.ExtensionBlock{}, fmt.Errorf("%w: block length %d exceeds %d", model.ErrMalformed, length, MaxBlockBodyLen)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return model.ExtensionBlock{}, err
	}
	blk.Body = body
	return blk, nil
}

func writeBlock(w io.Writer, blk model.ExtensionBlock) error {
	if len(blk.Body) > MaxBlockBodyLen {
		return fmt.Errorf("bpwire: block body %d bytes exceeds %d", len(blk.Body), MaxBlockBodyLen)
	}
	if _, err := w.Write([]byte{blk.Type, byte(blk.Flags)}); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(blk.Body))); err != nil {
		return err
	}
	_, err := w.Write(blk.Body)
	return err
}

// EncodeBundle writes a bundle's primary block, pre-payload blocks, the
// payload block, and post-payload blocks to w, reading exactly payloadLen
// bytes from payload. It is used both by the acquisition engine's tests
// (round-trip) and by the dequeue engine to catenate header/trailer bytes
// around a ZCO payload (spec §4.9 step 4).
func EncodeBundle(w io.Writer, b *model.Bundle, payload io.Reader, payloadLen uint64) error {
	bw := bufio.NewWriter(w)

	if err := binary.Write(bw, binary.BigEndian, uint16(b.Flags)); err != nil {
		return err
	}
	if err := bw.WriteByte(byte(b.COS)); err != nil {
		return err
	}
	if err := bw.WriteByte(b.Extended.Ordinal); err != nil {
		return err
	}
	if err := bw.WriteByte(byte(b.SRR)); err != nil {
		return err
	}
	for _, v := range []int64{
		b.CreationTime.Unix(),
	} {
		if err := binary.Write(bw, binary.BigEndian, v); err != nil {
			return err
		}
	}
	for _, v := range []uint32{b.ID.CreationSeq, b.ID.FragmentOffset, b.ID.FragmentLength} {
		if err := binary.Write(bw, binary.BigEndian, v); err != nil {
			return err
		}
	}
	for _, v := range []uint64{b.LifespanSecs, b.TotalADULength} {
		if err := binary.Write(bw, binary.BigEndian, v); err != nil {
			return err
		}
	}
	for _, e := range []eid.EID{b.Source, b.Dest, b.ReportTo, b.Custodian} {
		if err := writeEID(bw, e); err != nil {
			return err
		}
	}
	if len(b.Dictionary) > 0xFFFF {
		return fmt.Errorf("bpwire: dictionary %d bytes exceeds 65535", len(b.Dictionary))
	}
	if err := binary.Write(bw, binary.BigEndian, uint16(len(b.Dictionary))); err != nil {
		return err
	}
	if _, err := bw.Write(b.Dictionary); err != nil {
		return err
	}
	if len(b.Stations) > 0xFF {
		return fmt.Errorf("bpwire: %d stations exceeds 255", len(b.Stations))
	}
	if err := bw.WriteByte(byte(len(b.Stations))); err != nil {
		return err
	}
	for _, st := range b.Stations {
		if err := writeEID(bw, st); err != nil {
			return err
		}
	}

	if len(b.PrePayloadBlocks) > 0xFFFF {
		return fmt.Errorf("bpwire: %d pre-payload blocks exceeds 65535", len(b.PrePayloadBlocks))
	}
	if err := binary.Write(bw, binary.BigEndian, uint16(len(b.PrePayloadBlocks))); err != nil {
		return err
	}
	for _, blk := range b.PrePayloadBlocks {
		if err := writeBlock(bw, blk); err != nil {
			return err
		}
	}

	if payloadLen > 0xFFFF {
		return fmt.Errorf("bpwire: payload block body %d bytes exceeds the 65535-byte block length field; fragment first", payloadLen)
	}
	if _, err := bw.Write([]byte{BlockTypePayload, 0}); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.BigEndian, uint16(payloadLen)); err != nil {
		return err
	}
	if _, err := io.CopyN(bw, payload, int64(payloadLen)); err != nil {
		return err
	}

	if len(b.PostPayloadBlocks) > 0xFFFF {
		return fmt.Errorf("bpwire: %d post-payload blocks exceeds 65535", len(b.PostPayloadBlocks))
	}
	if err := binary.Write(bw, binary.BigEndian, uint16(len(b.PostPayloadBlocks))); err != nil {
		return err
	}
	for _, blk := range b.PostPayloadBlocks {
		if err := writeBlock(bw, blk); err != nil {
			return err
		}
	}

	return bw.Flush()
}

// DecodedBundle is the result of DecodeBundle: the parsed fields (everything
// but the payload bytes themselves) plus the payload's byte range within the
// original stream, so the caller can zco.Clone it out.
type DecodedBundle struct {
	Bundle        *model.Bundle
	PayloadOffset uint64
	PayloadLength uint64
}

// DecodeBundle parses a primary block, its pre-payload blocks, the payload
// block, and the post-payload blocks from r (spec §4.6 endAcq). It never
// reads the payload body into memory; it reports the body's offset and
// length so the caller extracts it from the backing ZCO by byte range.
func DecodeBundle(r io.Reader) (*DecodedBundle, error) {
	cr := &countingReader{r: r}
	b := &model.Bundle{}

	var flags uint16
	if err := binary.Read(cr, binary.BigEndian, &flags); err != nil {
		return nil, fmt.Errorf("%w: primary block flags: %v", model.ErrMalformed, err)
	}
	b.Flags = model.ProcessingFlags(flags)

	cosByte, err := readByte(cr)
	if err != nil {
		return nil, fmt.Errorf("%w: cos: %v", model.ErrMalformed, err)
	}
	b.COS = model.ClassOfService(cosByte)

	ordinal, err := readByte(cr)
	if err != nil {
		return nil, fmt.Errorf("%w: ordinal: %v", model.ErrMalformed, err)
	}
	b.Extended.Ordinal = ordinal

	srr, err := readByte(cr)
	if err != nil {
		return nil, fmt.Errorf("%w: srr: %v", model.ErrMalformed, err)
	}
	b.SRR = model.SRRFlags(srr)

	var creationUnix int64
	if err := binary.Read(cr, binary.BigEndian, &creationUnix); err != nil {
		return nil, fmt.Errorf("%w: creation time: %v", model.ErrMalformed, err)
	}
	b.CreationTime = time.Unix(creationUnix, 0).UTC()

	var creationSeq, fragOffset, fragLen uint32
	for _, dst := range []*uint32{&creationSeq, &fragOffset, &fragLen} {
		if err := binary.Read(cr, binary.BigEndian, dst); err != nil {
			return nil, fmt.Errorf("%w: bundle id fields: %v", model.ErrMalformed, err)
		}
	}
	b.ID.CreationSeq = creationSeq
	b.ID.FragmentOffset = fragOffset
	b.ID.FragmentLength = fragLen

	var lifespan, totalADU uint64
	if err := binary.Read(cr, binary.BigEndian, &lifespan); err != nil {
		return nil, fmt.Errorf("%w: lifespan: %v", model.ErrMalformed, err)
	}
	if err := binary.Read(cr, binary.BigEndian, &totalADU); err != nil {
		return nil, fmt.Errorf("%w: total adu length: %v", model.ErrMalformed, err)
	}
	b.LifespanSecs = lifespan
	b.TotalADULength = totalADU
	b.ExpirationTime = b.CreationTime.Add(time.Duration(lifespan) * time.Second)

	for _, dst := range []*eid.EID{&b.Source, &b.Dest, &b.ReportTo, &b.Custodian} {
		e, err := readEID(cr)
		if err != nil {
			return nil, fmt.Errorf("%w: eid: %v", model.ErrMalformed, err)
		}
		*dst = e
	}
	b.ID.SourceEID = b.Source.String()
	b.ID.CreationTime = creationUnix
	b.ID.FragmentLength = fragLen

	var dictLen uint16
	if err := binary.Read(cr, binary.BigEndian, &dictLen); err != nil {
		return nil, fmt.Errorf("%w: dictionary length: %v", model.ErrMalformed, err)
	}
	dict := make([]byte, dictLen)
	if _, err := io.ReadFull(cr, dict); err != nil {
		return nil, fmt.Errorf("%w: dictionary body: %v", model.ErrMalformed, err)
	}
	b.Dictionary = dict

	numStations, err := readByte(cr)
	if err != nil {
		return nil, fmt.Errorf("%w: station count: %v", model.ErrMalformed, err)
	}
	if numStations > 0 {
		b.Stations = make([]eid.EID, 0, numStations)
		for i := 0; i < int(numStations); i++ {
			st, err := readEID(cr)
			if err != nil {
				return nil, fmt.Errorf("%w: station %d: %v", model.ErrMalformed, i, err)
			}
			b.Stations = append(b.Stations, st)
		}
	}

	var numPre uint16
	if err := binary.Read(cr, binary.BigEndian, &numPre); err != nil {
		return nil, fmt.Errorf("%w: pre-payload block count: %v", model.ErrMalformed, err)
	}
	for i := 0; i < int(numPre); i++ {
		blk, err := readBlock(cr)
		if err != nil {
			return nil, fmt.Errorf("%w: pre-payload block %d: %v", model.ErrMalformed, i, err)
		}
		b.PrePayloadBlocks = append(b.PrePayloadBlocks, blk)
	}

	payloadType, err := readByte(cr)
	if err != nil {
		return nil, fmt.Errorf("%w: payload block type: %v", model.ErrMalformed, err)
	}
	if payloadType != BlockTypePayload {
		return nil, fmt.Errorf("%w: expected payload block type %d, got %d", model.ErrMalformed, BlockTypePayload, payloadType)
	}
	if _, err := readByte(cr); err != nil { // payload block flags, unused
		return nil, fmt.Errorf("%w: payload block flags: %v", model.ErrMalformed, err)
	}
	var payloadLen uint16
	if err := binary.Read(cr, binary.BigEndian, &payloadLen); err != nil {
		return nil, fmt.Errorf("%w: payload length: %v", model.ErrMalformed, err)
	}
	payloadOffset := cr.n
	if _, err := io.CopyN(io.Discard, cr, int64(payloadLen)); err != nil {
		return nil, fmt.Errorf("%w: payload body: %v", model.ErrMalformed, err)
	}
	b.PayloadLen = uint64(payloadLen)

	var numPost uint16
	if err := binary.Read(cr, binary.BigEndian, &numPost); err != nil {
		return nil, fmt.Errorf("%w: post-payload block count: %v", model.ErrMalformed, err)
	}
	for i := 0; i < int(numPost); i++ {
		blk, err := readBlock(cr)
		if err != nil {
			return nil, fmt.Errorf("%w: post-payload block %d: %v", model.ErrMalformed, i, err)
		}
		b.PostPayloadBlocks = append(b.PostPayloadBlocks, blk)
	}

	return &DecodedBundle{Bundle: b, PayloadOffset: payloadOffset, PayloadLength: uint64(payloadLen)}, nil
}

func readByte(r io.Reader) (uint8, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// IdentifyBundle parses only the bundle-ID-bearing prefix of a primary block
// (flags through the source EID) out of a leading-bytes scratch buffer
// (spec §4.9 bpIdentify, "using a 2 KiB scratch buffer"). An incomplete
// primary block yields model.ErrNotFound, matching the spec's "incomplete
// primary blocks yield 'not found'" rather than a malformed-bundle error:
// the caller (bpHandleXmitSuccess/Failure) has nothing further to destroy.
func IdentifyBundle(data []byte) (model.BundleID, error) {
	r := bytes.NewReader(data)

	var flags uint16
	if err := binary.Read(r, binary.BigEndian, &flags); err != nil {
		return model.BundleID{}, model.ErrNotFound
	}
	if _, err := readByte(r); err != nil { // cos
		return model.BundleID{}, model.ErrNotFound
	}
	if _, err := readByte(r); err != nil { // ordinal
		return model.BundleID{}, model.ErrNotFound
	}
	if _, err := readByte(r); err != nil { // srr
		return model.BundleID{}, model.ErrNotFound
	}
	var creationUnix int64
	if err := binary.Read(r, binary.BigEndian, &creationUnix); err != nil {
		return model.BundleID{}, model.ErrNotFound
	}
	var creationSeq, fragOffset, fragLen uint32
	for _, dst := range []*uint32{&creationSeq, &fragOffset, &fragLen} {
		if err := binary.Read(r, binary.BigEndian, dst); err != nil {
			return model.BundleID{}, model.ErrNotFound
		}
	}
	var lifespan, totalADU uint64
	if err := binary.Read(r, binary.BigEndian, &lifespan); err != nil {
		return model.BundleID{}, model.ErrNotFound
	}
	if err := binary.Read(r, binary.BigEndian, &totalADU); err != nil {
		return model.BundleID{}, model.ErrNotFound
	}
	source, err := readEID(r)
	if err != nil {
		return model.BundleID{}, model.ErrNotFound
	}

	return model.BundleID{
		SourceEID:      source.String(),
		CreationTime:   creationUnix,
		CreationSeq:    creationSeq,
		FragmentOffset: fragOffset,
		FragmentLength: fragLen,
	}, nil
}

func writeBundleID(w io.Writer, id model.BundleID) error {
	if err := writeUint8String(w, id.SourceEID, eid.MaxEIDLen); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, id.CreationTime); err != nil {
		return err
	}
	for _, v := range []uint32{id.CreationSeq, id.FragmentOffset, id.FragmentLength} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return err
		}
	}
	return nil
}

func readBundleID(r io.Reader) (model.BundleID, error) {
	sourceEID, err := readUint8String(r, eid.MaxEIDLen)
	if err != nil {
		return model.BundleID{}, err
	}
	var creationTime int64
	if err := binary.Read(r, binary.BigEndian, &creationTime); err != nil {
		return model.BundleID{}, err
	}
	var creationSeq, fragOffset, fragLen uint32
	for _, dst := range []*uint32{&creationSeq, &fragOffset, &fragLen} {
		if err := binary.Read(r, binary.BigEndian, dst); err != nil {
			return model.BundleID{}, err
		}
	}
	return model.BundleID{
		SourceEID:      sourceEID,
		CreationTime:   creationTime,
		CreationSeq:    creationSeq,
		FragmentOffset: fragOffset,
		FragmentLength: fragLen,
	}, nil
}

func writeTimestamp(w io.Writer, t time.Time) error {
	var unix int64
	if !t.IsZero() {
		unix = t.Unix()
	}
	return binary.Write(w, binary.BigEndian, unix)
}

func readTimestamp(r io.Reader) (time.Time, error) {
	var unix int64
	if err := binary.Read(r, binary.BigEndian, &unix); err != nil {
		return time.Time{}, err
	}
	if unix == 0 {
		return time.Time{}, nil
	}
	return time.Unix(unix, 0).UTC(), nil
}

// EncodeStatusReport serializes a BP_STATUS_REPORT administrative record
// (spec §4.11) as the payload bytes of an admin bundle: a leading type tag
// so the receiving admin endpoint can dispatch on AdminRecordType without
// first decoding the rest, followed by the bundle-ID triple, the reported
// SRR flags and reason, one Unix timestamp per lifecycle transition field
// (zero meaning "not this report"), and the reporting node's source EID.
func EncodeStatusReport(w io.Writer, rpt model.BpStatusRpt) error {
	if err := binary.Write(w, binary.BigEndian, uint8(model.AdminStatusReport)); err != nil {
		return err
	}
	if err := writeBundleID(w, rpt.BundleID); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint8(rpt.Flags)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint8(rpt.Reason)); err != nil {
		return err
	}
	for _, ts := range []time.Time{rpt.ReceivedAt, rpt.AcceptedAt, rpt.ForwardedAt, rpt.DeliveredAt, rpt.DeletedAt} {
		if err := writeTimestamp(w, ts); err != nil {
			return err
		}
	}
	return writeEID(w, rpt.SourceEID)
}

// DecodeStatusReport parses a status report payload previously produced by
// EncodeStatusReport. The caller is expected to have already peeked the
// leading AdminRecordType byte via PeekAdminRecordType.
func DecodeStatusReport(r io.Reader) (model.BpStatusRpt, error) {
	id, err := readBundleID(r)
	if err != nil {
		return model.BpStatusRpt{}, fmt.Errorf("%w: status report bundle id", model.ErrMalformed)
	}
	flags, err := readByte(r)
	if err != nil {
		return model.BpStatusRpt{}, fmt.Errorf("%w: status report flags", model.ErrMalformed)
	}
	reason, err := readByte(r)
	if err != nil {
		return model.BpStatusRpt{}, fmt.Errorf("%w: status report reason", model.ErrMalformed)
	}
	rpt := model.BpStatusRpt{BundleID: id, Flags: model.SRRFlags(flags), Reason: model.StatusReason(reason)}
	dests := []*time.Time{&rpt.ReceivedAt, &rpt.AcceptedAt, &rpt.ForwardedAt, &rpt.DeliveredAt, &rpt.DeletedAt}
	for _, d := range dests {
		ts, err := readTimestamp(r)
		if err != nil {
			return model.BpStatusRpt{}, fmt.Errorf("%w: status report timestamp", model.ErrMalformed)
		}
		*d = ts
	}
	src, err := readEID(r)
	if err != nil {
		return model.BpStatusRpt{}, fmt.Errorf("%w: status report source eid", model.ErrMalformed)
	}
	rpt.SourceEID = src
	return rpt, nil
}

// EncodeCustodySignal serializes a BP_CUSTODY_SIGNAL administrative record
// (spec §4.7, §4.11): type tag, bundle-ID triple, a success flag, reason,
// and the signaling node's source EID.
func EncodeCustodySignal(w io.Writer, sig model.BpCtSignal) error {
	if err := binary.Write(w, binary.BigEndian, uint8(model.AdminCustodySignal)); err != nil {
		return err
	}
	if err := writeBundleID(w, sig.BundleID); err != nil {
		return err
	}
	var succeeded uint8
	if sig.Succeeded {
		succeeded = 1
	}
	if err := binary.Write(w, binary.BigEndian, succeeded); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint8(sig.Reason)); err != nil {
		return err
	}
	return writeEID(w, sig.SourceEID)
}

// DecodeCustodySignal parses a custody signal payload previously produced
// by EncodeCustodySignal. The caller is expected to have already peeked
// the leading AdminRecordType byte via PeekAdminRecordType.
func DecodeCustodySignal(r io.Reader) (model.BpCtSignal, error) {
	id, err := readBundleID(r)
	if err != nil {
		return model.BpCtSignal{}, fmt.Errorf("%w: custody signal bundle id", model.ErrMalformed)
	}
	succeeded, err := readByte(r)
	if err != nil {
		return model.BpCtSignal{}, fmt.Errorf("%w: custody signal success flag", model.ErrMalformed)
	}
	reason, err := readByte(r)
	if err != nil {
		return model.BpCtSignal{}, fmt.Errorf("%w: custody signal reason", model.ErrMalformed)
	}
	src, err := readEID(r)
	if err != nil {
		return model.BpCtSignal{}, fmt.Errorf("%w: custody signal source eid", model.ErrMalformed)
	}
	return model.BpCtSignal{BundleID: id, Succeeded: succeeded != 0, Reason: model.StatusReason(reason), SourceEID: src}, nil
}

// PeekAdminRecordType reads the leading AdminRecordType tag an admin
// bundle's payload begins with, returning a reader positioned just after it
// so the caller can dispatch to DecodeStatusReport or DecodeCustodySignal.
func PeekAdminRecordType(r io.Reader) (model.AdminRecordType, error) {
	b, err := readByte(r)
	if err != nil {
		return 0, fmt.Errorf("%w: admin record type", model.ErrMalformed)
	}
	return model.AdminRecordType(b), nil
}

