package smppserver

import "github.com/jasmin-go/jasmin/internal/routingerr"

// SMPP 3.4 command_status values the server sets on bind_resp/submit_sm_resp
// failures. These are protocol constants, not library-specific inventions.
const (
	esmeROk         = 0x00000000
	esmeRInvMsgLen  = 0x00000001
	esmeRInvCmdLen  = 0x00000002
	esmeRInvCmdID   = 0x00000003
	esmeRInvBndSts  = 0x00000004
	esmeRAlyBnd     = 0x00000005
	esmeRSysErr     = 0x00000008
	esmeRInvSrcAdr  = 0x0000000A
	esmeRInvDstAdr  = 0x0000000B
	esmeRSubmitFail = 0x00000045
	esmeRInvPaswd   = 0x0000000E
	esmeRInvSysID   = 0x0000000F
	esmeRBindFail   = 0x0000000D
	esmeRThrottled  = 0x00000058
)

// statusForErr maps a routing-core error category to the closest SMPP 3.4
// command_status for a submit_sm_resp, per spec.md §4.4's "bridge RC errors
// back onto the bound session as a submit_sm_resp status" requirement.
func statusForErr(err error) uint32 {
	switch {
	case routingerr.Is(err, routingerr.Validation):
		return esmeRInvDstAdr
	case routingerr.Is(err, routingerr.Throughput):
		return esmeRThrottled
	case routingerr.Is(err, routingerr.Charging), routingerr.Is(err, routingerr.Routing):
		return esmeRSubmitFail
	default:
		return esmeRSysErr
	}
}
