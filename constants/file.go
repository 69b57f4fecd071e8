package constants

import "strings"

// Storage layout under the queue root.
const (
	PendingDirName   = "new"
	FinalizedDirName = "done"
	RunDirName       = "run"
	CaseMapDirName   = "maps"
	JournalFileName  = "journal.db"
)

// Fixed file names inside a task's working directory.
const (
	InputFileName  = "input.docx"
	OutputFileName = "output.docx"
	CaseMapExt     = ".map"
)

// Pipeline context variables seeded for every task.
const (
	VarCaseID    = "CASEID"
	VarDocID     = "DOCID"
	VarDocx      = "DOCX"
	VarCaseMap   = "CASEMAP"
	VarOutput    = "OUTPUT"
	VarOutputAnn = "OUTPUTANN"
)

// TempFileMarker is part of every temp file name written next to task records.
const TempFileMarker = ".tmp."

// AllowedCorpusExtensions holds the default extensions picked up by the batch runner.
var AllowedCorpusExtensions = map[string]struct{}{
	"txt":  {},
	"docx": {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// ChangeExt replaces the extension of name (or appends one when there is none).
func ChangeExt(name, ext string) string {
	ext = NormalizeExt(ext)
	if i := strings.LastIndex(name, "."); i > 0 && !strings.ContainsAny(name[i:], `/\`) {
		return name[:i] + "." + ext
	}
	return name + "." + ext
}
