package cpproto

import "strconv"

// Table operation error codes, numbered as the bmv2 runtime numbers them.
const (
	CodeTableFull         = 1
	CodeInvalidHandle     = 2
	CodeExpiredHandle     = 3
	CodeCountersDisabled  = 4
	CodeInvalidTableName  = 7
	CodeInvalidActionName = 8
	CodeWrongTableType    = 9
	CodeDuplicateEntry    = 17
	CodeBadMatchKey       = 18
	CodeError             = 24
)

var codeNames = map[int]string{
	CodeTableFull:         "TABLE_FULL",
	CodeInvalidHandle:     "INVALID_HANDLE",
	CodeExpiredHandle:     "EXPIRED_HANDLE",
	CodeCountersDisabled:  "COUNTERS_DISABLED",
	CodeInvalidTableName:  "INVALID_TABLE_NAME",
	CodeInvalidActionName: "INVALID_ACTION_NAME",
	CodeWrongTableType:    "WRONG_TABLE_TYPE",
	CodeDuplicateEntry:    "DUPLICATE_ENTRY",
	CodeBadMatchKey:       "BAD_MATCH_KEY",
	CodeError:             "ERROR",
}

// CodeName returns the symbolic name for a runtime error code.
func CodeName(code int) string {
	if name, ok := codeNames[code]; ok {
		return name
	}
	return "CODE_" + strconv.Itoa(code)
}
