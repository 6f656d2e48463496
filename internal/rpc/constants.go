package rpc

// Program numbers.
//
// Reference: RFC 1813
const (
	// ProgramNFS is the NFS program number.
	ProgramNFS = 100003

	// NFSVersion4 is the NFS version spoken through the tunnel.
	NFSVersion4 = 4

	// ProcNull is the NULL procedure. It takes no arguments and returns
	// nothing, so it doubles as a ping.
	ProcNull = 0
)

// Message types.
//
// Reference: RFC 5531 Section 9
const (
	RPCCall  = 0
	RPCReply = 1
)

// RPCVersion is the only RPC protocol version.
const RPCVersion = 2

// Reply states.
const (
	RPCMsgAccepted = 0
	RPCMsgDenied   = 1
)

// Accept states.
const (
	RPCSuccess      = 0
	RPCProgUnavail  = 1
	RPCProgMismatch = 2
	RPCProcUnavail  = 3
	RPCGarbageArgs  = 4
	RPCSystemErr    = 5
)

// AuthNull is the empty authentication flavor.
const AuthNull = 0

// lastFragment is the record marking bit of the final fragment.
//
// Reference: RFC 5531 Section 11
const lastFragment = 0x80000000

// maxReplySize bounds the reply fragment accepted from the server. A NULL
// reply header is well under 100 bytes.
const maxReplySize = 64 * 1024
