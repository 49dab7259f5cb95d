package frame

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Codec serializes frames to and from bytes. Two wire formats exist behind
// this interface: a compact field-numbered binary and a human-readable JSON
// form. Both round-trip any valid frame; the choice is a deployment flag.
type Codec interface {
	Encode(f *Frame) ([]byte, error)
	Decode(data []byte) (*Frame, error)
	Name() string
}

// NewCodec resolves a codec by name ("binary" or "json").
func NewCodec(name string) (Codec, error) {
	switch name {
	case "binary":
		return BinaryCodec{}, nil
	case "json", "":
		return JSONCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown codec %q", ErrValidation, name)
	}
}

// ============================================================================
// JSON CODEC
// ============================================================================

// JSONCodec encodes frames as UTF-8 JSON with the shape
// {ts:{unix_ms}, incident_id, <variant>:{...}}.
type JSONCodec struct{}

type wireTS struct {
	UnixMS int64 `json:"unix_ms"`
}

type wireFrame struct {
	TS         wireTS       `json:"ts"`
	IncidentID string       `json:"incident_id"`
	Telemetry  *Telemetry   `json:"telemetry,omitempty"`
	Alert      *Alert       `json:"alert,omitempty"`
	Finding    *Finding     `json:"finding,omitempty"`
	Plan       *ActionPlan  `json:"plan,omitempty"`
	Run        *PlaybookRun `json:"run,omitempty"`
}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(f *Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	w := wireFrame{
		TS:         wireTS{UnixMS: f.TS},
		IncidentID: f.IncidentID,
		Telemetry:  f.Telemetry,
		Alert:      f.Alert,
		Finding:    f.Finding,
		Plan:       f.Plan,
		Run:        f.Run,
	}
	return json.Marshal(w)
}

func (JSONCodec) Decode(data []byte) (*Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode frame json: %w", err)
	}
	f := &Frame{
		TS:         w.TS.UnixMS,
		IncidentID: w.IncidentID,
		Telemetry:  w.Telemetry,
		Alert:      w.Alert,
		Finding:    w.Finding,
		Plan:       w.Plan,
		Run:        w.Run,
	}
	if _, err := f.Variant(); err != nil {
		// No recognized variant key was present in the document.
		return nil, ErrUnknownVariant
	}
	return f, nil
}

// ============================================================================
// BINARY CODEC
// ============================================================================

// Binary wire layout:
//
//	byte 0-1: magic 'C' 'S'
//	byte 2:   format version
//	byte 3:   variant tag
//	then a flat sequence of field records, each:
//	  field number (uint8) | value length (uint32 BE) | value bytes
//
// Frame-level fields use numbers 1 (ts) and 2 (incident_id); field 3 holds
// the payload, itself a nested field-record sequence. Fields are written in
// ascending number order and integers are fixed-width big-endian, which makes
// the encoding deterministic. Decoders skip unknown field numbers.
type BinaryCodec struct{}

const (
	binMagic0     = 'C'
	binMagic1     = 'S'
	binVersion    = 1
	binHeaderSize = 4
)

// Variant tags. New variants get new tags; tags are never reused.
const (
	tagTelemetry uint8 = 0x01
	tagAlert     uint8 = 0x02
	tagFinding   uint8 = 0x03
	tagPlan      uint8 = 0x04
	tagRun       uint8 = 0x05
)

func (BinaryCodec) Name() string { return "binary" }

func (BinaryCodec) Encode(f *Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	var tag uint8
	var payload []byte
	switch {
	case f.Telemetry != nil:
		tag = tagTelemetry
		payload = encodeTelemetry(f.Telemetry)
	case f.Alert != nil:
		tag = tagAlert
		payload = encodeAlert(f.Alert)
	case f.Finding != nil:
		tag = tagFinding
		payload = encodeFinding(f.Finding)
	case f.Plan != nil:
		tag = tagPlan
		payload = encodePlan(f.Plan)
	case f.Run != nil:
		tag = tagRun
		payload = encodeRun(f.Run)
	}

	buf := &bytes.Buffer{}
	buf.WriteByte(binMagic0)
	buf.WriteByte(binMagic1)
	buf.WriteByte(binVersion)
	buf.WriteByte(tag)
	writeInt64Field(buf, 1, f.TS)
	writeStringField(buf, 2, f.IncidentID)
	writeBytesField(buf, 3, payload)
	return buf.Bytes(), nil
}

func (BinaryCodec) Decode(data []byte) (*Frame, error) {
	if len(data) < binHeaderSize {
		return nil, fmt.Errorf("%w: frame too short (%d bytes)", ErrValidation, len(data))
	}
	if data[0] != binMagic0 || data[1] != binMagic1 {
		return nil, fmt.Errorf("%w: bad magic %02x %02x", ErrValidation, data[0], data[1])
	}
	if data[2] != binVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrValidation, data[2])
	}
	tag := data[3]

	f := &Frame{}
	var payload []byte
	err := walkFields(data[binHeaderSize:], func(num uint8, val []byte) error {
		switch num {
		case 1:
			v, err := readInt64(val)
			if err != nil {
				return err
			}
			f.TS = v
		case 2:
			f.IncidentID = string(val)
		case 3:
			payload = val
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch tag {
	case tagTelemetry:
		f.Telemetry, err = decodeTelemetry(payload)
	case tagAlert:
		f.Alert, err = decodeAlert(payload)
	case tagFinding:
		f.Finding, err = decodeFinding(payload)
	case tagPlan:
		f.Plan, err = decodePlan(payload)
	case tagRun:
		f.Run, err = decodeRun(payload)
	default:
		return nil, fmt.Errorf("%w: tag 0x%02x", ErrUnknownVariant, tag)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ============================================================================
// PAYLOAD ENCODERS
// ============================================================================

func encodeTelemetry(t *Telemetry) []byte {
	buf := &bytes.Buffer{}
	writeInt64Field(buf, 1, t.TS)
	writeStringField(buf, 2, t.Host)
	writeStringField(buf, 3, t.Source)
	writeStringField(buf, 4, t.ECSJSON)
	return buf.Bytes()
}

func decodeTelemetry(data []byte) (*Telemetry, error) {
	t := &Telemetry{}
	err := walkFields(data, func(num uint8, val []byte) error {
		var err error
		switch num {
		case 1:
			t.TS, err = readInt64(val)
		case 2:
			t.Host = string(val)
		case 3:
			t.Source = string(val)
		case 4:
			t.ECSJSON = string(val)
		}
		return err
	})
	return t, err
}

func encodeAlert(a *Alert) []byte {
	buf := &bytes.Buffer{}
	writeInt64Field(buf, 1, a.TS)
	writeStringField(buf, 2, a.ID)
	writeStringField(buf, 3, string(a.Severity))
	writeBytesField(buf, 4, encodeEntities(a.Entities))
	writeBytesField(buf, 5, encodeStrings(a.Tags))
	writeStringField(buf, 6, a.Summary)
	writeStringField(buf, 7, a.EvidenceRef)
	return buf.Bytes()
}

func decodeAlert(data []byte) (*Alert, error) {
	a := &Alert{}
	err := walkFields(data, func(num uint8, val []byte) error {
		var err error
		switch num {
		case 1:
			a.TS, err = readInt64(val)
		case 2:
			a.ID = string(val)
		case 3:
			a.Severity = Severity(val)
		case 4:
			a.Entities, err = decodeEntities(val)
		case 5:
			a.Tags, err = decodeStrings(val)
		case 6:
			a.Summary = string(val)
		case 7:
			a.EvidenceRef = string(val)
		}
		return err
	})
	return a, err
}

func encodeFinding(f *Finding) []byte {
	buf := &bytes.Buffer{}
	writeInt64Field(buf, 1, f.TS)
	writeStringField(buf, 2, f.ID)
	writeStringField(buf, 3, f.Hypothesis)
	writeBytesField(buf, 4, encodeEntities(f.GraphNodes))
	writeBytesField(buf, 5, encodeStrings(f.CandidateTTPs))
	writeStringField(buf, 6, f.RationaleJSON)
	return buf.Bytes()
}

func decodeFinding(data []byte) (*Finding, error) {
	f := &Finding{}
	err := walkFields(data, func(num uint8, val []byte) error {
		var err error
		switch num {
		case 1:
			f.TS, err = readInt64(val)
		case 2:
			f.ID = string(val)
		case 3:
			f.Hypothesis = string(val)
		case 4:
			f.GraphNodes, err = decodeEntities(val)
		case 5:
			f.CandidateTTPs, err = decodeStrings(val)
		case 6:
			f.RationaleJSON = string(val)
		}
		return err
	})
	return f, err
}

func encodePlan(p *ActionPlan) []byte {
	buf := &bytes.Buffer{}
	writeInt64Field(buf, 1, p.TS)
	writeStringField(buf, 2, p.IncidentID)
	writeBytesField(buf, 3, encodeStrings(p.Playbooks))
	writeStringField(buf, 4, p.ChangeSetJSON)
	writeStringField(buf, 5, p.RiskTier)
	return buf.Bytes()
}

func decodePlan(data []byte) (*ActionPlan, error) {
	p := &ActionPlan{}
	err := walkFields(data, func(num uint8, val []byte) error {
		var err error
		switch num {
		case 1:
			p.TS, err = readInt64(val)
		case 2:
			p.IncidentID = string(val)
		case 3:
			p.Playbooks, err = decodeStrings(val)
		case 4:
			p.ChangeSetJSON = string(val)
		case 5:
			p.RiskTier = string(val)
		}
		return err
	})
	return p, err
}

func encodeRun(r *PlaybookRun) []byte {
	buf := &bytes.Buffer{}
	writeInt64Field(buf, 1, r.TS)
	writeStringField(buf, 2, r.PlaybookID)
	writeStringField(buf, 3, r.Status)
	writeStringField(buf, 4, r.Logs)
	return buf.Bytes()
}

func decodeRun(data []byte) (*PlaybookRun, error) {
	r := &PlaybookRun{}
	err := walkFields(data, func(num uint8, val []byte) error {
		var err error
		switch num {
		case 1:
			r.TS, err = readInt64(val)
		case 2:
			r.PlaybookID = string(val)
		case 3:
			r.Status = string(val)
		case 4:
			r.Logs = string(val)
		}
		return err
	})
	return r, err
}

// ============================================================================
// FIELD PRIMITIVES
// ============================================================================

func writeBytesField(buf *bytes.Buffer, num uint8, val []byte) {
	buf.WriteByte(num)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(val)))
	buf.Write(lenBuf[:])
	buf.Write(val)
}

func writeStringField(buf *bytes.Buffer, num uint8, val string) {
	writeBytesField(buf, num, []byte(val))
}

func writeInt64Field(buf *bytes.Buffer, num uint8, val int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(val))
	writeBytesField(buf, num, b[:])
}

func readInt64(val []byte) (int64, error) {
	if len(val) != 8 {
		return 0, fmt.Errorf("%w: int64 field has %d bytes", ErrValidation, len(val))
	}
	return int64(binary.BigEndian.Uint64(val)), nil
}

// walkFields iterates the field records in data, invoking fn for each.
// Unknown field numbers are passed through; the caller ignores them.
func walkFields(data []byte, fn func(num uint8, val []byte) error) error {
	for len(data) > 0 {
		if len(data) < 5 {
			return fmt.Errorf("%w: truncated field header", ErrValidation)
		}
		num := data[0]
		n := binary.BigEndian.Uint32(data[1:5])
		data = data[5:]
		if uint32(len(data)) < n {
			return fmt.Errorf("%w: field %d truncated (want %d bytes, have %d)",
				ErrValidation, num, n, len(data))
		}
		if err := fn(num, data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func encodeStrings(ss []string) []byte {
	buf := &bytes.Buffer{}
	var cnt [2]byte
	binary.BigEndian.PutUint16(cnt[:], uint16(len(ss)))
	buf.Write(cnt[:])
	for _, s := range ss {
		writeLenPrefixed(buf, []byte(s))
	}
	return buf.Bytes()
}

func decodeStrings(data []byte) ([]string, error) {
	r := bytes.NewReader(data)
	var cnt uint16
	if err := binary.Read(r, binary.BigEndian, &cnt); err != nil {
		return nil, err
	}
	if cnt == 0 {
		return nil, nil
	}
	out := make([]string, 0, cnt)
	for i := 0; i < int(cnt); i++ {
		b, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		out = append(out, string(b))
	}
	return out, nil
}

func encodeEntities(refs []EntityRef) []byte {
	buf := &bytes.Buffer{}
	var cnt [2]byte
	binary.BigEndian.PutUint16(cnt[:], uint16(len(refs)))
	buf.Write(cnt[:])
	for _, ref := range refs {
		writeLenPrefixed(buf, []byte(ref.Type))
		writeLenPrefixed(buf, []byte(ref.ID))
	}
	return buf.Bytes()
}

func decodeEntities(data []byte) ([]EntityRef, error) {
	r := bytes.NewReader(data)
	var cnt uint16
	if err := binary.Read(r, binary.BigEndian, &cnt); err != nil {
		return nil, err
	}
	if cnt == 0 {
		return nil, nil
	}
	out := make([]EntityRef, 0, cnt)
	for i := 0; i < int(cnt); i++ {
		typ, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		id, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		out = append(out, EntityRef{Type: EntityType(typ), ID: string(id)})
	}
	return out, nil
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(b)))
	buf.Write(n[:])
	buf.Write(b)
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

var (
	_ Codec = JSONCodec{}
	_ Codec = BinaryCodec{}
)
