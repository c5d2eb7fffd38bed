package verify

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/digitorus/pdf"
)

// DocumentInfo contains the document information dictionary and page count.
type DocumentInfo struct {
	Author   string `json:"author,omitempty"`
	Creator  string `json:"creator,omitempty"`
	Producer string `json:"producer,omitempty"`
	Subject  string `json:"subject,omitempty"`
	Title    string `json:"title,omitempty"`

	// Hash is the hex SHA-256 digest of the whole file.
	Hash         string    `json:"hash"`
	Pages        int       `json:"pages"`
	Keywords     []string  `json:"keywords,omitempty"`
	ModDate      time.Time `json:"mod_date,omitempty"`
	CreationDate time.Time `json:"creation_date,omitempty"`
}

// Info reads the document information of data.
func Info(data []byte) (info *DocumentInfo, err error) {
	defer func() {
		if r := recover(); r != nil {
			info = nil
			err = fmt.Errorf("failed to read document (%v)", r)
		}
	}()

	rdr, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open document: %w", err)
	}

	sum := sha256.Sum256(data)
	info = &DocumentInfo{
		Hash:  hex.EncodeToString(sum[:]),
		Pages: rdr.NumPage(),
	}
	parseDocumentInfo(rdr.Trailer().Key("Info"), info)

	return info, nil
}

// parseDocumentInfo copies the entries of an Info dictionary into info.
func parseDocumentInfo(v pdf.Value, info *DocumentInfo) {
	if v.IsNull() {
		return
	}

	text := map[string]*string{
		"Author":   &info.Author,
		"Creator":  &info.Creator,
		"Producer": &info.Producer,
		"Subject":  &info.Subject,
		"Title":    &info.Title,
	}
	for key, field := range text {
		if value := v.Key(key); !value.IsNull() {
			*field = value.Text()
		}
	}

	if value := v.Key("Keywords"); !value.IsNull() {
		info.Keywords = parseKeywords(value.Text())
	}
	if t, err := parseDate(v.Key("CreationDate").Text()); err == nil {
		info.CreationDate = t
	}
	if t, err := parseDate(v.Key("ModDate").Text()); err == nil {
		info.ModDate = t
	}
}

// parseDate parses PDF formatted dates, (D:YYYYMMDDHHmmSSOHH'mm').
func parseDate(v string) (time.Time, error) {
	if strings.HasSuffix(v, "Z") {
		return time.Parse("D:20060102150405Z", v)
	}
	return time.Parse("D:20060102150405Z07'00'", v)
}

// parseKeywords splits the Keywords entry, which may be separated by commas,
// colons, semicolons or spaces.
func parseKeywords(value string) []string {
	separators := []string{", ", ": ", "; ", ",", ":", ";", " "}
	for _, s := range separators {
		if strings.Contains(value, s) {
			return strings.Split(value, s)
		}
	}

	return []string{value}
}
