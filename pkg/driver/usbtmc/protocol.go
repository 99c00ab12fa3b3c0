package usbtmc

import (
	"encoding/binary"
	"fmt"
)

// Bulk message ids (USBTMC 1.0 table 2, USB488 table 1)
const (
	MsgDevDepMsgOut        = 1
	MsgRequestDevDepMsgIn  = 2
	MsgDevDepMsgIn         = 2
	MsgVendorSpecificOut   = 126
	MsgRequestVendorSpecIn = 127
	MsgTrigger             = 128
)

// Class-specific control requests
const (
	ReqInitiateAbortBulkOut    = 1
	ReqCheckAbortBulkOutStatus = 2
	ReqInitiateAbortBulkIn     = 3
	ReqCheckAbortBulkInStatus  = 4
	ReqInitiateClear           = 5
	ReqCheckClearStatus        = 6
	ReqGetCapabilities         = 7
	ReqIndicatorPulse          = 64
	ReqReadStatusByte          = 128 // USB488
)

// USBTMC_status values returned by control requests
const (
	StatusSuccess               = 0x01
	StatusPending               = 0x02
	StatusFailed                = 0x80
	StatusTransferNotInProgress = 0x81
	StatusSplitNotInProgress    = 0x82
	StatusSplitInProgress       = 0x83
)

// bmTransferAttributes bits
const (
	AttrEOM         = 0x01 // DEV_DEP_MSG_OUT / DEV_DEP_MSG_IN
	AttrTermCharSet = 0x02 // REQUEST_DEV_DEP_MSG_IN
)

// HeaderSize is the length of every bulk message header.
const HeaderSize = 12

// Interface class and subclass identifying a USBTMC function.
const (
	InterfaceClass    = 0xFE
	InterfaceSubClass = 0x03
	ProtocolUSB488    = 0x01
)

// Protocol builds and checks bulk messages. It owns the bTag sequence, which
// runs 1..255 and skips 0.
type Protocol struct {
	tag byte
}

// NewProtocol creates a protocol handler.
func NewProtocol() *Protocol {
	return &Protocol{}
}

// Tag returns the bTag used by the last encoded message.
func (p *Protocol) Tag() byte {
	return p.tag
}

func (p *Protocol) nextTag() byte {
	p.tag++
	if p.tag == 0 {
		p.tag = 1
	}
	return p.tag
}

func (p *Protocol) header(msgID byte, size uint32) []byte {
	tag := p.nextTag()
	h := make([]byte, HeaderSize)
	h[0] = msgID
	h[1] = tag
	h[2] = ^tag
	binary.LittleEndian.PutUint32(h[4:8], size)
	return h
}

// EncodeDevDepMsgOut wraps data in a DEV_DEP_MSG_OUT message padded to a
// multiple of four bytes. eom marks the last byte as the end of message.
func (p *Protocol) EncodeDevDepMsgOut(data []byte, eom bool) []byte {
	msg := p.header(MsgDevDepMsgOut, uint32(len(data)))
	if eom {
		msg[8] = AttrEOM
	}
	msg = append(msg, data...)
	return pad4(msg)
}

// EncodeRequestDevDepMsgIn asks the device for at most max bytes. When
// termChar is non-nil the device may end the transfer on that byte.
func (p *Protocol) EncodeRequestDevDepMsgIn(max uint32, termChar *byte) []byte {
	msg := p.header(MsgRequestDevDepMsgIn, max)
	if termChar != nil {
		msg[8] = AttrTermCharSet
		msg[9] = *termChar
	}
	return msg
}

// EncodeTrigger builds a USB488 TRIGGER message.
func (p *Protocol) EncodeTrigger() []byte {
	return p.header(MsgTrigger, 0)
}

// DevDepMsgIn is a decoded DEV_DEP_MSG_IN header plus the payload bytes
// contained in the first packet.
type DevDepMsgIn struct {
	Tag          byte
	TransferSize int
	EOM          bool
	Payload      []byte
}

// DecodeDevDepMsgIn parses the first packet of a DEV_DEP_MSG_IN transfer.
// The payload may be shorter than TransferSize when the transfer spans
// several packets.
func DecodeDevDepMsgIn(resp []byte, tag byte) (DevDepMsgIn, error) {
	if len(resp) < HeaderSize {
		return DevDepMsgIn{}, fmt.Errorf("response too short: %d bytes", len(resp))
	}
	if resp[0] != MsgDevDepMsgIn {
		return DevDepMsgIn{}, fmt.Errorf("unexpected MsgID %d", resp[0])
	}
	if resp[1] != tag || resp[2] != ^tag {
		return DevDepMsgIn{}, fmt.Errorf("bTag mismatch: got 0x%02X/0x%02X, want 0x%02X", resp[1], resp[2], tag)
	}

	size := int(binary.LittleEndian.Uint32(resp[4:8]))
	payload := resp[HeaderSize:]
	if len(payload) > size {
		payload = payload[:size]
	}
	return DevDepMsgIn{
		Tag:          resp[1],
		TransferSize: size,
		EOM:          resp[8]&AttrEOM != 0,
		Payload:      payload,
	}, nil
}

// DecodeReadStatusByte parses the control response of READ_STATUS_BYTE on
// a device without an interrupt endpoint.
func DecodeReadStatusByte(resp []byte, tag byte) (byte, error) {
	if len(resp) < 3 {
		return 0, fmt.Errorf("response too short: %d bytes", len(resp))
	}
	if resp[0] != StatusSuccess {
		return 0, fmt.Errorf("READ_STATUS_BYTE failed: status 0x%02X", resp[0])
	}
	if resp[1] != tag {
		return 0, fmt.Errorf("bTag mismatch: got 0x%02X, want 0x%02X", resp[1], tag)
	}
	return resp[2], nil
}

func pad4(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}
