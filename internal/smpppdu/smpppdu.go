// Package smpppdu is a thin convenience layer over
// github.com/fiorix/go-smpp's PDU types: the DLR state-mapping table and
// the field accessors the router/connector packages share, so neither one
// pokes at pdufield constants directly.
package smpppdu

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fiorix/go-smpp/smpp/pdu"
	"github.com/fiorix/go-smpp/smpp/pdu/pdufield"
	"github.com/fiorix/go-smpp/smpp/pdu/pdutext"
	"github.com/fiorix/go-smpp/smpp/pdu/pdutlv"
)

// DLRState is the gateway's delivery-receipt state vocabulary, matching
// the SMPP 3.4 message_state values plus the submit-side synthetic states.
type DLRState string

const (
	DLRDelivered DLRState = "DELIVRD"
	DLRExpired   DLRState = "EXPIRED"
	DLRDeleted   DLRState = "DELETED"
	DLRUndeliv   DLRState = "UNDELIV"
	DLRAccepted  DLRState = "ACCEPTD"
	DLREnroute   DLRState = "ENROUTE"
	DLRRejected  DLRState = "REJECTD"
	DLRUnknown   DLRState = "UNKNOWN"
)

// smppStatToState maps the SMPP message_state TLV/field integer value to
// the gateway's DLRState vocabulary (spec.md §4.4's DLR state table).
var smppStatToState = map[int]DLRState{
	1: DLREnroute,
	2: DLRDelivered,
	3: DLRExpired,
	4: DLRDeleted,
	5: DLRUndeliv,
	6: DLRAccepted,
	7: DLRUnknown,
	8: DLRRejected,
}

// StateFromMessageState maps a numeric SMPP message_state to a DLRState,
// defaulting to DLRUnknown for any value outside the standard table.
func StateFromMessageState(v int) DLRState {
	if s, ok := smppStatToState[v]; ok {
		return s
	}
	return DLRUnknown
}

// SubmitParams is the normalized set of fields the router needs to build a
// submit_sm PDU, independent of how they were sourced (HTTP form or SMPP bind).
// RawPayload carries the already-UDH-prefixed segment bytes when this is
// one part of a concatenated message (see BuildUDHSegments); otherwise the
// plain ShortMessage text is sent as-is.
type SubmitParams struct {
	SourceAddr         string
	DestinationAddr    string
	ShortMessage       string
	RawPayload         []byte
	DataCoding         int
	ESMClass           int
	RegisteredDelivery int
	ValidityPeriod     string
}

// NewSubmitSM builds a pdu.Body for submit_sm from params.
func NewSubmitSM(params SubmitParams) (pdu.Body, error) {
	p := pdu.NewSubmitSM(make(pdutlv.Fields))
	f := p.Fields()

	if err := f.Set(pdufield.SourceAddr, params.SourceAddr); err != nil {
		return nil, fmt.Errorf("set source_addr: %w", err)
	}
	if err := f.Set(pdufield.DestinationAddr, params.DestinationAddr); err != nil {
		return nil, fmt.Errorf("set destination_addr: %w", err)
	}
	if params.RawPayload != nil {
		if err := f.Set(pdufield.ShortMessage, pdutext.Raw(params.RawPayload)); err != nil {
			return nil, fmt.Errorf("set short_message: %w", err)
		}
		// esm_class bit 6 (0x40) marks UDH-carrying concatenated segments,
		// matching the convention the fiorix/go-smpp transmitter itself uses.
		if params.ESMClass == 0 {
			params.ESMClass = 0x40
		}
	} else if err := f.Set(pdufield.ShortMessage, params.ShortMessage); err != nil {
		return nil, fmt.Errorf("set short_message: %w", err)
	}
	if err := f.Set(pdufield.DataCoding, uint8(params.DataCoding)); err != nil {
		return nil, fmt.Errorf("set data_coding: %w", err)
	}
	if err := f.Set(pdufield.ESMClass, uint8(params.ESMClass)); err != nil {
		return nil, fmt.Errorf("set esm_class: %w", err)
	}
	if err := f.Set(pdufield.RegisteredDelivery, uint8(params.RegisteredDelivery)); err != nil {
		return nil, fmt.Errorf("set registered_delivery: %w", err)
	}
	if params.ValidityPeriod != "" {
		if err := f.Set(pdufield.ValidityPeriod, params.ValidityPeriod); err != nil {
			return nil, fmt.Errorf("set validity_period: %w", err)
		}
	}

	return p, nil
}

// NewDeliverSM builds a pdu.Body for deliver_sm, mirroring NewSubmitSM. Used
// both to relay MO traffic from SS binds and, in tests, to synthesize DLR
// and MO deliver_sm PDUs without a live SMSC connection.
func NewDeliverSM(params SubmitParams) (pdu.Body, error) {
	p := pdu.NewDeliverSM()
	f := p.Fields()

	if err := f.Set(pdufield.SourceAddr, params.SourceAddr); err != nil {
		return nil, fmt.Errorf("set source_addr: %w", err)
	}
	if err := f.Set(pdufield.DestinationAddr, params.DestinationAddr); err != nil {
		return nil, fmt.Errorf("set destination_addr: %w", err)
	}
	if err := f.Set(pdufield.ShortMessage, params.ShortMessage); err != nil {
		return nil, fmt.Errorf("set short_message: %w", err)
	}
	if err := f.Set(pdufield.DataCoding, uint8(params.DataCoding)); err != nil {
		return nil, fmt.Errorf("set data_coding: %w", err)
	}
	if err := f.Set(pdufield.ESMClass, uint8(params.ESMClass)); err != nil {
		return nil, fmt.Errorf("set esm_class: %w", err)
	}

	return p, nil
}

// BuildUDHSegments splits text into UDH-prefixed raw segments when it
// exceeds maxPartLen bytes, per spec.md §4.3's long-content handling. A
// single-segment message (len(text) <= maxPartLen) returns one element
// with no UDH header, matching "segmentation only applies when needed".
// refNum should be stable across the parts of one logical message and
// unique enough to avoid collision with a peer's concurrent long message
// to the same destination within the reassembly window.
func BuildUDHSegments(text []byte, maxPartLen int, refNum uint8) [][]byte {
	if len(text) <= maxPartLen {
		return [][]byte{text}
	}

	segPayloadLen := maxPartLen - 6 // UDH header is 6 bytes (0x05,0x00,0x03,ref,total,seq)
	if segPayloadLen <= 0 {
		segPayloadLen = 1
	}
	total := (len(text) + segPayloadLen - 1) / segPayloadLen

	segments := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * segPayloadLen
		end := start + segPayloadLen
		if end > len(text) {
			end = len(text)
		}
		udh := []byte{0x05, 0x00, 0x03, refNum, byte(total), byte(i + 1)}
		segments = append(segments, append(udh, text[start:end]...))
	}
	return segments
}

// MessageID extracts the message_id field of a submit_sm_resp.
func MessageID(resp pdu.Body) string {
	f := resp.Fields()[pdufield.MessageID]
	if f == nil {
		return ""
	}
	return f.String()
}

// ParseUDHConcat recognizes the 6-byte concatenation header
// BuildUDHSegments writes (0x05,0x00,0x03,ref,total,seq) at the front of
// a deliver_sm short_message and splits it from the segment payload. A
// short_message without that exact header shape is not a concatenated
// part and returns ok=false.
func ParseUDHConcat(raw []byte) (refNum, total, seq int, payload []byte, ok bool) {
	if len(raw) < 6 || raw[0] != 0x05 || raw[1] != 0x00 || raw[2] != 0x03 {
		return 0, 0, 0, nil, false
	}
	total = int(raw[4])
	seq = int(raw[5])
	if total < 2 || seq < 1 || seq > total {
		return 0, 0, 0, nil, false
	}
	return int(raw[3]), total, seq, raw[6:], true
}

// IsDLR reports whether a deliver_sm carries a delivery receipt, per
// spec.md §4.4: esm_class bit 2 set (0x04), OR a short_message beginning
// with the "id:" receipt preamble the SMSC convention uses as a fallback
// for peers that don't set esm_class correctly.
func IsDLR(m pdu.Body) bool {
	f := m.Fields()
	esm := f[pdufield.ESMClass]
	if esm != nil {
		if raw, ok := esm.Raw().(uint8); ok && raw&0x04 != 0 {
			return true
		}
	}
	sm := f[pdufield.ShortMessage]
	return sm != nil && strings.HasPrefix(sm.String(), "id:")
}

// ParseDLRReceipt parses the conventional "id:... sub:... dlvrd:... submit
// date:... done date:... stat:... err:... text:..." DLR short_message
// body into its fields. Unknown/missing fields are left at zero values —
// the format is space-delimited key:value pairs with no escaping.
type DLRReceipt struct {
	MessageID  string
	Submitted  int
	Delivered  int
	SubmitDate string
	DoneDate   string
	Stat       DLRState
	Err        string
	Text       string
}

func ParseDLRReceipt(shortMessage string) DLRReceipt {
	var r DLRReceipt
	tokens := strings.Fields(shortMessage)
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]

		// "submit date:..." and "done date:..." are two-word keys.
		if tok == "submit" || tok == "done" {
			if i+1 < len(tokens) {
				_, v, ok := strings.Cut(tokens[i+1], ":")
				if ok && tok == "submit" {
					r.SubmitDate = v
				} else if ok {
					r.DoneDate = v
				}
				i++
			}
			continue
		}

		k, v, ok := strings.Cut(tok, ":")
		if !ok {
			continue
		}
		switch k {
		case "id":
			r.MessageID = v
		case "sub":
			r.Submitted, _ = strconv.Atoi(v)
		case "dlvrd":
			r.Delivered, _ = strconv.Atoi(v)
		case "stat":
			r.Stat = DLRState(v)
		case "err":
			r.Err = v
		case "text", "Text":
			r.Text = v
		}
	}
	return r
}
