package at

import "bytes"

// Category classifies a single line received from the modem.
type Category int

const (
	// CategoryUnknown means "defer to the next scanner in the chain". It is
	// the zero value so a nil or no-op LineScanner behaves correctly.
	CategoryUnknown Category = iota
	// CategoryIntermediate is any non-final, non-URC line.
	CategoryIntermediate
	// CategoryFinalOK is a successful final response line ("OK", the data
	// prompt). Its text is never delivered to the caller. The one exception
	// is a data prompt that arrives while the parser is in data-prompt mode:
	// the parser delivers the prompt bytes as the response before any
	// classifier runs.
	CategoryFinalOK
	// CategoryFinal is a failed final response line (ERROR, NO CARRIER,
	// +CME ERROR:, +CMS ERROR:).
	CategoryFinal
	// CategoryURC is an unsolicited result code.
	CategoryURC
	// CategoryRawDataFollows announces that Length bytes of raw binary
	// payload follow before the textual final response resumes.
	CategoryRawDataFollows
	// CategoryHexDataFollows is like CategoryRawDataFollows, except the
	// payload arrives as ASCII hex pairs rather than raw bytes.
	CategoryHexDataFollows
)

// LineType is the result of classifying a line. Length is only meaningful
// for CategoryRawDataFollows and CategoryHexDataFollows, where it gives the
// number of payload bytes (not hex characters) to capture.
type LineType struct {
	Category Category
	Length   int
}

// IsUnknown reports whether t carries no classification, i.e. the scanner
// that produced it wants the next scanner in the chain to decide.
func (t LineType) IsUnknown() bool {
	return t.Category == CategoryUnknown
}

// LineScanner classifies one line. Returning the zero LineType defers to the
// next scanner in the chain (per-command, then session, then the built-in
// generic scanner).
type LineScanner func(line []byte) LineType

var okPrefixes = [][]byte{
	[]byte(OK),
	[]byte(Prompt),
}

var errorPrefixes = [][]byte{
	[]byte(ERROR),
	[]byte(NoCarrier),
	[]byte(CmeError),
	[]byte(CmsError),
}

var urcPrefixes = [][]byte{
	[]byte(Ring),
}

func hasAnyPrefix(line []byte, prefixes [][]byte) bool {
	for _, p := range prefixes {
		if bytes.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

// GenericScanner is the built-in, session-independent classifier. It is
// consulted last in the chain, after any per-command and session scanners
// have each deferred.
func GenericScanner(line []byte) LineType {
	switch {
	case hasAnyPrefix(line, urcPrefixes):
		return LineType{Category: CategoryURC}
	case hasAnyPrefix(line, errorPrefixes):
		return LineType{Category: CategoryFinal}
	case hasAnyPrefix(line, okPrefixes):
		return LineType{Category: CategoryFinalOK}
	default:
		return LineType{Category: CategoryIntermediate}
	}
}
