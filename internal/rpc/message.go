package rpc

// CallMessage is the header of an RPC call.
//
// Wire Format (XDR encoding):
//   - XID, MsgType, RPCVersion, Program, Version, Procedure: 4 bytes each
//   - Cred, Verf: flavor (4 bytes) + opaque body
//
// Reference: RFC 5531 Section 9
type CallMessage struct {
	XID        uint32
	MsgType    uint32
	RPCVersion uint32
	Program    uint32
	Version    uint32
	Procedure  uint32
	Cred       OpaqueAuth
	Verf       OpaqueAuth
}

// ReplyMessage is the header of an accepted RPC reply. Denied replies stop
// after ReplyState.
type ReplyMessage struct {
	XID        uint32
	MsgType    uint32
	ReplyState uint32
	Verf       OpaqueAuth
	AcceptStat uint32
}

// OpaqueAuth is an authentication credential or verifier.
//
// Reference: RFC 5531 Section 8
type OpaqueAuth struct {
	Flavor uint32
	Body   []byte `xdr:"opaque"`
}

// NewNullCall returns the header of an NFS NULL call with AUTH_NULL
// credentials.
func NewNullCall(xid uint32) *CallMessage {
	return &CallMessage{
		XID:        xid,
		MsgType:    RPCCall,
		RPCVersion: RPCVersion,
		Program:    ProgramNFS,
		Version:    NFSVersion4,
		Procedure:  ProcNull,
		Cred:       OpaqueAuth{Flavor: AuthNull, Body: []byte{}},
		Verf:       OpaqueAuth{Flavor: AuthNull, Body: []byte{}},
	}
}
