package extract

import (
	"path/filepath"
	"strings"

	"github.com/eargollo/piiscan/internal/source"
)

// Strategy is how text is obtained from a file.
type Strategy int

const (
	// Unsupported files fail permanently.
	Unsupported Strategy = iota
	// Plain files are read directly as UTF-8 text.
	Plain
	// Document files are sent to the extraction cluster.
	Document
)

func (s Strategy) String() string {
	switch s {
	case Plain:
		return "plain"
	case Document:
		return "document"
	default:
		return "unsupported"
	}
}

var strategies = map[string]Strategy{
	".txt":  Plain,
	".csv":  Plain,
	".tsv":  Plain,
	".md":   Plain,
	".log":  Plain,
	".json": Plain,

	".pdf":  Document,
	".doc":  Document,
	".docx": Document,
	".rtf":  Document,
	".xls":  Document,
	".xlsx": Document,
	".ppt":  Document,
	".pptx": Document,
	".odt":  Document,
	".ods":  Document,
	".odp":  Document,
	".xml":  Document,
	".html": Document,
	".htm":  Document,
	".eml":  Document,
	".msg":  Document,
}

// StrategyFor picks the strategy for path by extension. Archive members are
// classified by their own name.
func StrategyFor(path string) Strategy {
	return strategies[strings.ToLower(filepath.Ext(source.Name(path)))]
}
