package job

import (
	"path/filepath"
	"strconv"
	"strings"
)

// ServiceLogEntry is one link added to the job's status document.
type ServiceLogEntry struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Rel   string `json:"rel"`
}

// NewToolLogEntry builds the entry for one workflow step log, published
// under <tmpURL>/<namespace>/<basename>.
func NewToolLogEntry(tmpURL, namespace, toolLog string) ServiceLogEntry {
	base := filepath.Base(toolLog)
	return ServiceLogEntry{
		URL:   strings.TrimRight(tmpURL, "/") + "/" + namespace + "/" + base,
		Title: "Tool log " + base,
		Rel:   "related",
	}
}

// FlattenServiceLogs renders entries as the flat mapping the hosting runtime
// expects: the first entry uses the keys url, title, rel; entry i>0 uses
// url_i, title_i, rel_i; "length" holds the count.
func FlattenServiceLogs(entries []ServiceLogEntry) map[string]string {
	m := make(map[string]string, len(entries)*3+1)
	for i, e := range entries {
		suffix := ""
		if i > 0 {
			suffix = "_" + strconv.Itoa(i)
		}
		m["url"+suffix] = e.URL
		m["title"+suffix] = e.Title
		m["rel"+suffix] = e.Rel
	}
	m["length"] = strconv.Itoa(len(entries))
	return m
}
