package mcbp

import "github.com/couchbase/gocbcore/v10/memd"

// The protocol tables are shared with gocbcore so that packets built by
// either library can be handed to the other.
type (
	CmdMagic        = memd.CmdMagic
	CmdCode         = memd.CmdCode
	StatusCode      = memd.StatusCode
	HelloFeature    = memd.HelloFeature
	DatatypeFlag    = memd.DatatypeFlag
	DurabilityLevel = memd.DurabilityLevel
)

// memd keeps the framed magics private, they only ever appear on the wire.
const (
	cmdMagicReqExt = CmdMagic(0x08)
	cmdMagicResExt = CmdMagic(0x18)
)

func isRequestMagic(m CmdMagic) bool {
	return m == memd.CmdMagicReq || m == cmdMagicReqExt
}

func isResponseMagic(m CmdMagic) bool {
	return m == memd.CmdMagicRes || m == cmdMagicResExt
}

func isExtendedMagic(m CmdMagic) bool {
	return m == cmdMagicReqExt || m == cmdMagicResExt
}

// magicName extends CmdMagic.String with the framed variants.
func magicName(m CmdMagic) string {
	switch m {
	case cmdMagicReqExt:
		return "CmdMagicReqExt"
	case cmdMagicResExt:
		return "CmdMagicResExt"
	}
	return m.String()
}

// IsIdempotent returns whether the command can be safely sent to the
// server more than once without changing the outcome.
func IsIdempotent(command CmdCode) bool {
	switch command {
	case memd.CmdGet,
		memd.CmdNoop,
		memd.CmdGetReplica,
		memd.CmdObserveSeqNo,
		memd.CmdObserve,
		memd.CmdGetMeta,
		memd.CmdStat,
		memd.CmdGetClusterConfig,
		memd.CmdGetErrorMap,
		memd.CmdGetRandom,
		memd.CmdCollectionsGetManifest,
		memd.CmdCollectionsGetID,
		memd.CmdSubDocGet,
		memd.CmdSubDocExists,
		memd.CmdSubDocMultiLookup,
		memd.CmdSubDocGetCount:
		return true
	}
	return false
}
