package visa

import "fmt"

// Status is a VISA completion code: zero is success, positive values are
// qualified successes or warnings, negative values are failures.
type Status int32

const (
	successBase Status = 0x3FFF0000
	errorBase   Status = -0x40010000 // 0xBFFF0000
)

// Completion and warning codes.
const (
	Success                Status = 0
	SuccessEventEn                = successBase + 0x02
	SuccessEventDis               = successBase + 0x03
	SuccessQueueEmpty             = successBase + 0x04
	SuccessTermChar               = successBase + 0x05
	SuccessMaxCnt                 = successBase + 0x06
	WarnQueueOverflow             = successBase + 0x0C
	WarnConfigNLoaded             = successBase + 0x77
	SuccessDevNPresent            = successBase + 0x7D
	SuccessTrigMapped             = successBase + 0x7E
	SuccessQueueNEmpty            = successBase + 0x80
	WarnNullObject                = successBase + 0x82
	WarnNsupAttrState             = successBase + 0x84
	WarnUnknownStatus             = successBase + 0x85
	WarnNsupBuf                   = successBase + 0x88
	SuccessNChain                 = successBase + 0x98
	SuccessNestedShared           = successBase + 0x99
	SuccessNestedExclusive        = successBase + 0x9A
	SuccessSync                   = successBase + 0x9B
)

// Error codes.
const (
	ErrorSystemError     = errorBase + 0x00
	ErrorInvObject       = errorBase + 0x0E
	ErrorRsrcLocked      = errorBase + 0x0F
	ErrorInvExpr         = errorBase + 0x10
	ErrorRsrcNFound      = errorBase + 0x11
	ErrorInvRsrcName     = errorBase + 0x12
	ErrorInvAccMode      = errorBase + 0x13
	ErrorTmo             = errorBase + 0x15
	ErrorClosingFailed   = errorBase + 0x16
	ErrorInvJobID        = errorBase + 0x1C
	ErrorNsupAttr        = errorBase + 0x1D
	ErrorNsupAttrState   = errorBase + 0x1E
	ErrorAttrReadonly    = errorBase + 0x1F
	ErrorInvLockType     = errorBase + 0x20
	ErrorInvAccessKey    = errorBase + 0x21
	ErrorInvEvent        = errorBase + 0x26
	ErrorInvMech         = errorBase + 0x27
	ErrorHndlrNInstalled = errorBase + 0x28
	ErrorInvHndlrRef     = errorBase + 0x29
	ErrorInvContext      = errorBase + 0x2A
	ErrorQueueOverflow   = errorBase + 0x2D
	ErrorNEnabled        = errorBase + 0x2F
	ErrorAbort           = errorBase + 0x30
	ErrorInProgress      = errorBase + 0x39
	ErrorInvSetup        = errorBase + 0x3A
	ErrorQueueError      = errorBase + 0x3B
	ErrorAlloc           = errorBase + 0x3C
	ErrorIO              = errorBase + 0x3E
	ErrorInvFmt          = errorBase + 0x3F
	ErrorNsupFmt         = errorBase + 0x41
	ErrorSrqNOccurred    = errorBase + 0x4A
	ErrorNListeners      = errorBase + 0x5F
	ErrorNCIC            = errorBase + 0x60
	ErrorNsupOper        = errorBase + 0x67
	ErrorAsrlParity      = errorBase + 0x6A
	ErrorAsrlFraming     = errorBase + 0x6B
	ErrorAsrlOverrun     = errorBase + 0x6C
	ErrorUserBuf         = errorBase + 0x71
	ErrorRsrcBusy        = errorBase + 0x72
	ErrorInvParameter    = errorBase + 0x78
	ErrorInvSize         = errorBase + 0x7B
	ErrorNimplOper       = errorBase + 0x81
	ErrorInvLength       = errorBase + 0x83
	ErrorInvMode         = errorBase + 0x91
	ErrorSesnNLocked     = errorBase + 0x9C
	ErrorLibraryNFound   = errorBase + 0x9E
	ErrorFileAccess      = errorBase + 0xA1
	ErrorFileIO          = errorBase + 0xA2
	ErrorNsupMech        = errorBase + 0xA4
	ErrorConnLost        = errorBase + 0xA6
	ErrorNPermission     = errorBase + 0xA8
)

type statusInfo struct {
	name string
	desc string
}

var statusTable = map[Status]statusInfo{
	Success:                {"VI_SUCCESS", "Operation completed successfully."},
	SuccessEventEn:         {"VI_SUCCESS_EVENT_EN", "Specified event is already enabled for at least one of the specified mechanisms."},
	SuccessEventDis:        {"VI_SUCCESS_EVENT_DIS", "Specified event is already disabled for at least one of the specified mechanisms."},
	SuccessQueueEmpty:      {"VI_SUCCESS_QUEUE_EMPTY", "Operation completed successfully, but queue was already empty."},
	SuccessTermChar:        {"VI_SUCCESS_TERM_CHAR", "The specified termination character was read."},
	SuccessMaxCnt:          {"VI_SUCCESS_MAX_CNT", "The number of bytes read is equal to the input count."},
	WarnQueueOverflow:      {"VI_WARN_QUEUE_OVERFLOW", "The event returned is valid. One or more events that occurred have not been raised because there was no room available on the queue at the time of their occurrence."},
	WarnConfigNLoaded:      {"VI_WARN_CONFIG_NLOADED", "The specified configuration either does not exist or could not be loaded; using VISA-specified defaults."},
	SuccessDevNPresent:     {"VI_SUCCESS_DEV_NPRESENT", "Session opened successfully, but the device at the specified address is not responding."},
	SuccessTrigMapped:      {"VI_SUCCESS_TRIG_MAPPED", "The path from trigSrc to trigDest is already mapped."},
	SuccessQueueNEmpty:     {"VI_SUCCESS_QUEUE_NEMPTY", "Wait terminated successfully on receipt of an event notification. There is still at least one more event occurrence of the requested type(s) available for this session."},
	WarnNullObject:         {"VI_WARN_NULL_OBJECT", "The specified object reference is uninitialized."},
	WarnNsupAttrState:      {"VI_WARN_NSUP_ATTR_STATE", "Although the specified state of the attribute is valid, it is not supported by this resource implementation."},
	WarnUnknownStatus:      {"VI_WARN_UNKNOWN_STATUS", "The status code passed to the operation could not be interpreted."},
	WarnNsupBuf:            {"VI_WARN_NSUP_BUF", "The specified buffer is not supported."},
	SuccessNChain:          {"VI_SUCCESS_NCHAIN", "Event handled successfully. Do not invoke any other handlers on this session for this event."},
	SuccessNestedShared:    {"VI_SUCCESS_NESTED_SHARED", "Operation completed successfully, and this session has nested shared locks."},
	SuccessNestedExclusive: {"VI_SUCCESS_NESTED_EXCLUSIVE", "Operation completed successfully, and this session has nested exclusive locks."},
	SuccessSync:            {"VI_SUCCESS_SYNC", "Asynchronous operation request was actually performed synchronously."},

	ErrorSystemError:     {"VI_ERROR_SYSTEM_ERROR", "Unknown system error (miscellaneous error)."},
	ErrorInvObject:       {"VI_ERROR_INV_OBJECT", "The given session or object reference is invalid."},
	ErrorRsrcLocked:      {"VI_ERROR_RSRC_LOCKED", "Specified type of lock cannot be obtained, or specified operation cannot be performed, because the resource is locked."},
	ErrorInvExpr:         {"VI_ERROR_INV_EXPR", "Invalid expression specified for search."},
	ErrorRsrcNFound:      {"VI_ERROR_RSRC_NFOUND", "Insufficient location information or the device or resource is not present in the system."},
	ErrorInvRsrcName:     {"VI_ERROR_INV_RSRC_NAME", "Invalid resource reference specified. Parsing error."},
	ErrorInvAccMode:      {"VI_ERROR_INV_ACC_MODE", "Invalid access mode."},
	ErrorTmo:             {"VI_ERROR_TMO", "Timeout expired before operation completed."},
	ErrorClosingFailed:   {"VI_ERROR_CLOSING_FAILED", "Unable to deallocate the previously allocated data structures corresponding to this session or object reference."},
	ErrorInvJobID:        {"VI_ERROR_INV_JOB_ID", "Specified job identifier is invalid."},
	ErrorNsupAttr:        {"VI_ERROR_NSUP_ATTR", "The specified attribute is not defined or supported by the referenced session, event, or find list."},
	ErrorNsupAttrState:   {"VI_ERROR_NSUP_ATTR_STATE", "The specified state of the attribute is not valid, or is not supported as defined by the session, event, or find list."},
	ErrorAttrReadonly:    {"VI_ERROR_ATTR_READONLY", "The specified attribute is Read Only."},
	ErrorInvLockType:     {"VI_ERROR_INV_LOCK_TYPE", "The specified type of lock is not supported by this resource."},
	ErrorInvAccessKey:    {"VI_ERROR_INV_ACCESS_KEY", "The access key to the resource associated with this session is invalid."},
	ErrorInvEvent:        {"VI_ERROR_INV_EVENT", "Specified event type is not supported by the resource."},
	ErrorInvMech:         {"VI_ERROR_INV_MECH", "Invalid mechanism specified."},
	ErrorHndlrNInstalled: {"VI_ERROR_HNDLR_NINSTALLED", "A handler is not currently installed for the specified event."},
	ErrorInvHndlrRef:     {"VI_ERROR_INV_HNDLR_REF", "The given handler reference is invalid."},
	ErrorInvContext:      {"VI_ERROR_INV_CONTEXT", "Specified event context is invalid."},
	ErrorQueueOverflow:   {"VI_ERROR_QUEUE_OVERFLOW", "The event queue for the specified type has overflowed (usually due to previous events not having been closed)."},
	ErrorNEnabled:        {"VI_ERROR_NENABLED", "The session must be enabled for events of the specified type in order to receive them."},
	ErrorAbort:           {"VI_ERROR_ABORT", "User abort occurred during transfer."},
	ErrorInProgress:      {"VI_ERROR_IN_PROGRESS", "Unable to queue the asynchronous operation because there is already an operation in progress."},
	ErrorInvSetup:        {"VI_ERROR_INV_SETUP", "Unable to start operation because setup is invalid (due to attributes being set to an inconsistent state)."},
	ErrorQueueError:      {"VI_ERROR_QUEUE_ERROR", "Unable to queue asynchronous operation."},
	ErrorAlloc:           {"VI_ERROR_ALLOC", "Insufficient system resources to perform necessary memory allocation."},
	ErrorIO:              {"VI_ERROR_IO", "Could not perform operation because of I/O error."},
	ErrorInvFmt:          {"VI_ERROR_INV_FMT", "A format specifier in the format string is invalid."},
	ErrorNsupFmt:         {"VI_ERROR_NSUP_FMT", "A format specifier in the format string is not supported."},
	ErrorSrqNOccurred:    {"VI_ERROR_SRQ_NOCCURRED", "Service request has not been received for the session."},
	ErrorNListeners:      {"VI_ERROR_NLISTENERS", "No Listeners condition is detected (both NRFD and NDAC are deasserted)."},
	ErrorNCIC:            {"VI_ERROR_NCIC", "The interface associated with this session is not currently the controller in charge."},
	ErrorNsupOper:        {"VI_ERROR_NSUP_OPER", "The given session or object reference does not support this operation."},
	ErrorAsrlParity:      {"VI_ERROR_ASRL_PARITY", "A parity error occurred during transfer."},
	ErrorAsrlFraming:     {"VI_ERROR_ASRL_FRAMING", "A framing error occurred during transfer."},
	ErrorAsrlOverrun:     {"VI_ERROR_ASRL_OVERRUN", "An overrun error occurred during transfer. A character was not read from the hardware before the next character arrived."},
	ErrorUserBuf:         {"VI_ERROR_USER_BUF", "A specified user buffer is not valid or cannot be accessed for the required size."},
	ErrorRsrcBusy:        {"VI_ERROR_RSRC_BUSY", "The resource is valid, but VISA cannot currently access it."},
	ErrorInvParameter:    {"VI_ERROR_INV_PARAMETER", "The value of some parameter (which parameter is not known) is invalid."},
	ErrorInvSize:         {"VI_ERROR_INV_SIZE", "Invalid size of window specified."},
	ErrorNimplOper:       {"VI_ERROR_NIMPL_OPER", "The given operation is not implemented."},
	ErrorInvLength:       {"VI_ERROR_INV_LENGTH", "Invalid length specified."},
	ErrorInvMode:         {"VI_ERROR_INV_MODE", "The specified mode is invalid."},
	ErrorSesnNLocked:     {"VI_ERROR_SESN_NLOCKED", "The current session did not have a lock on the resource."},
	ErrorLibraryNFound:   {"VI_ERROR_LIBRARY_NFOUND", "A code library required by VISA could not be located or loaded."},
	ErrorFileAccess:      {"VI_ERROR_FILE_ACCESS", "An error occurred while trying to open the specified file. Possible reasons include an invalid path or lack of access rights."},
	ErrorFileIO:          {"VI_ERROR_FILE_IO", "An error occurred while performing I/O on the specified file."},
	ErrorNsupMech:        {"VI_ERROR_NSUP_MECH", "The specified mechanism is not supported for the given event type."},
	ErrorConnLost:        {"VI_ERROR_CONN_LOST", "The connection for the given session has been lost."},
	ErrorNPermission:     {"VI_ERROR_NPERMISSION", "Access to the resource or remote machine is denied."},
}

// Outcome classifies a status.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeQualified
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeQualified:
		return "qualified success"
	}
	return "failure"
}

// Outcome reports whether s is plain success, a qualified success or a
// failure.
func (s Status) Outcome() Outcome {
	switch {
	case s == Success:
		return OutcomeSuccess
	case s > 0:
		return OutcomeQualified
	}
	return OutcomeFailure
}

// IsQualified reports a positive completion code.
func (s Status) IsQualified() bool {
	return s > 0
}

// Failed reports a negative completion code.
func (s Status) Failed() bool {
	return s < 0
}

// Name returns the VI_* identifier of s.
func (s Status) Name() string {
	if info, ok := statusTable[s]; ok {
		return info.name
	}
	return fmt.Sprintf("0x%08X", uint32(s))
}

// Description returns the human-readable text for s.
func (s Status) Description() string {
	if info, ok := statusTable[s]; ok {
		return info.desc
	}
	return fmt.Sprintf("Unknown status 0x%08X", uint32(s))
}

func (s Status) String() string {
	return s.Name()
}

// LookupStatus resolves a VI_* name.
func LookupStatus(name string) (Status, bool) {
	for s, info := range statusTable {
		if info.name == name {
			return s, true
		}
	}
	return 0, false
}
