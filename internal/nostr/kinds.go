package nostr

// Standard event kinds the service reads or writes.
const (
	KindProfileMetadata = 0
	KindTextNote        = 1
	KindDeletion        = 5
	KindRepost          = 6
	KindSeal            = 13
	KindGiftWrap        = 1059
	KindRelayList       = 10002
	KindDMInboxRelays   = 10050
	KindNWCRequest      = 23194
	KindNWCResponse     = 23195
	KindAppData         = 30078
	KindHandlerInfo     = 31990
)

// Request rumor kinds carried inside inbound gift wraps.
const (
	KindMasterRequest = 5901
	KindScheduleNote  = 5905
	KindScheduleDM    = 5906
	KindRetryDM       = 5907
	KindMailboxRepair = 5908
	KindSupportAction = 5910
)

// IsRequestKind reports whether k is one of the rumor kinds the DVM serves.
func IsRequestKind(k int) bool {
	switch k {
	case KindMasterRequest, KindScheduleNote, KindScheduleDM, KindRetryDM, KindMailboxRepair, KindSupportAction:
		return true
	}
	return false
}
